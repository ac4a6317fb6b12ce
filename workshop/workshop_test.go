package workshop

import (
	"context"
	"errors"
	"testing"

	"anvil.dev/platform"
	"anvil.dev/repostate"
)

type fakePlatform struct {
	gitGrants []string
	vmGrants  []string
	vmErr     error
}

func (f *fakePlatform) CreateRepo(ctx context.Context, name, templateURL string) (string, error) {
	if templateURL == "" {
		return "", errors.New("missing template")
	}
	return "repo-" + name, nil
}

func (f *fakePlatform) CreateVM(ctx context.Context, repoID, workdir string, devPort int) (*platform.VMInfo, error) {
	if f.vmErr != nil {
		return nil, f.vmErr
	}
	return &platform.VMInfo{ID: "vm-1", PreviewURL: "https://preview.test"}, nil
}

func (f *fakePlatform) GrantGitPermission(ctx context.Context, identityID, repoID string) error {
	f.gitGrants = append(f.gitGrants, identityID+":"+repoID)
	return nil
}

func (f *fakePlatform) GrantVMPermission(ctx context.Context, identityID, vmID string) error {
	f.vmGrants = append(f.vmGrants, identityID+":"+vmID)
	return nil
}

type fakeGit struct {
	files map[string]string
}

func (g *fakeGit) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	return "main", nil
}

func (g *fakeGit) FileAtRef(ctx context.Context, repoID, ref, path string) (string, error) {
	content, ok := g.files[path]
	if !ok {
		return "", platform.ErrNotFound
	}
	return content, nil
}

func (g *fakeGit) CreateCommit(ctx context.Context, repoID string, req platform.CommitRequest) error {
	for _, f := range req.Files {
		g.files[f.Path] = f.Content
	}
	return nil
}

func TestProvision(t *testing.T) {
	fp := &fakePlatform{}
	git := &fakeGit{files: map[string]string{}}
	p := &Provisioner{
		Platform:        fp,
		Store:           repostate.NewStore(git),
		TemplateRepoURL: "https://example.com/template",
		VMWorkdir:       "/app",
		DevPort:         3000,
	}

	ws, err := p.Provision(context.Background(), "id-1", "myapp")
	if err != nil {
		t.Fatal(err)
	}
	if ws.RepoID != "repo-myapp" || ws.VM.ID != "vm-1" {
		t.Errorf("workspace = %+v", ws)
	}
	if len(fp.gitGrants) != 1 || fp.gitGrants[0] != "id-1:repo-myapp" {
		t.Errorf("git grants = %v", fp.gitGrants)
	}
	if len(fp.vmGrants) != 1 || fp.vmGrants[0] != "id-1:vm-1" {
		t.Errorf("vm grants = %v", fp.vmGrants)
	}

	md, err := p.Store.ReadMetadata(context.Background(), "repo-myapp")
	if err != nil {
		t.Fatal(err)
	}
	if md == nil || md.VM == nil || md.VM.ID != "vm-1" {
		t.Fatalf("metadata = %+v", md)
	}
	if len(md.Conversations) != 0 || len(md.Deployments) != 0 {
		t.Errorf("fresh metadata not empty: %+v", md)
	}
}

func TestProvisionVMFailure(t *testing.T) {
	fp := &fakePlatform{vmErr: errors.New("capacity")}
	p := &Provisioner{
		Platform:        fp,
		Store:           repostate.NewStore(&fakeGit{files: map[string]string{}}),
		TemplateRepoURL: "https://example.com/template",
	}

	if _, err := p.Provision(context.Background(), "id-1", "myapp"); err == nil {
		t.Error("expected error when vm creation fails")
	}
}
