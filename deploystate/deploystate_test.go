package deploystate

import (
	"context"
	"testing"
	"time"

	"anvil.dev/platform"
	"anvil.dev/repostate"
)

type fakeGit struct {
	commits []platform.Commit
}

func (g *fakeGit) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	return "main", nil
}

func (g *fakeGit) ListCommits(ctx context.Context, repoID, branch string, limit int) ([]platform.Commit, error) {
	if limit > len(g.commits) {
		limit = len(g.commits)
	}
	return g.commits[:limit], nil
}

type fakeRegistry struct {
	builds  []platform.Build
	created [][]string
}

func (r *fakeRegistry) CreateBuild(ctx context.Context, repoID string, domains []string) (string, error) {
	r.created = append(r.created, domains)
	return "dep-1", nil
}

func (r *fakeRegistry) ListBuilds(ctx context.Context) ([]platform.Build, error) {
	return r.builds, nil
}

// metadataGit backs a repostate.Store for TriggerDeploy tests.
type metadataGit struct {
	files map[string]string
}

func (g *metadataGit) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	return "main", nil
}

func (g *metadataGit) FileAtRef(ctx context.Context, repoID, ref, path string) (string, error) {
	content, ok := g.files[path]
	if !ok {
		return "", platform.ErrNotFound
	}
	return content, nil
}

func (g *metadataGit) CreateCommit(ctx context.Context, repoID string, req platform.CommitRequest) error {
	for _, f := range req.Files {
		g.files[f.Path] = f.Content
	}
	return nil
}

func newReconciler(git Git, reg Registry) *Reconciler {
	return &Reconciler{
		Git:              git,
		Registry:         reg,
		DomainSuffix:     ".anvilapps.dev",
		BootstrapMessage: "Initial commit from template",
	}
}

func TestDeriveDomainDeterministic(t *testing.T) {
	r := newReconciler(nil, nil)
	sha := "0123456789abcdef0123456789abcdef01234567"

	first := r.DeriveDomain(sha)
	second := r.DeriveDomain(sha)
	if first != second {
		t.Errorf("same sha yielded %q then %q", first, second)
	}
	if first != "0123456789ab.anvilapps.dev" {
		t.Errorf("domain = %q", first)
	}

	other := r.DeriveDomain("fedcba9876543210fedcba9876543210fedcba98")
	if other == first {
		t.Errorf("different shas yielded the same domain %q", other)
	}
}

func TestLatestCommitSHASkipsBootstrap(t *testing.T) {
	git := &fakeGit{commits: []platform.Commit{
		{SHA: "aaa111", Message: "add homepage"},
		{SHA: "boot00", Message: "Initial commit from template"},
	}}
	r := newReconciler(git, &fakeRegistry{})

	sha, err := r.LatestCommitSHA(context.Background(), "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if sha != "aaa111" {
		t.Errorf("sha = %q, want aaa111", sha)
	}
}

func TestLatestCommitSHAOnlyBootstrap(t *testing.T) {
	git := &fakeGit{commits: []platform.Commit{
		{SHA: "boot00", Message: "Initial commit from template"},
	}}
	r := newReconciler(git, &fakeRegistry{})

	sha, err := r.LatestCommitSHA(context.Background(), "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if sha != "" {
		t.Errorf("sha = %q, want empty for bootstrap-only history", sha)
	}
}

func TestStatusForLatestCommit(t *testing.T) {
	sha := "0123456789abcdef"
	domain := "0123456789ab.anvilapps.dev"

	tests := []struct {
		name         string
		commits      []platform.Commit
		builds       []platform.Build
		agentRunning bool
		want         repostate.DeployState
	}{
		{
			name:    "deployed maps to live",
			commits: []platform.Commit{{SHA: sha, Message: "work"}},
			builds:  []platform.Build{{DeploymentID: "d1", State: platform.BuildStateDeployed, Domains: []string{domain}}},
			want:    repostate.DeployLive,
		},
		{
			name:    "failed maps to failed",
			commits: []platform.Commit{{SHA: sha, Message: "work"}},
			builds:  []platform.Build{{DeploymentID: "d1", State: platform.BuildStateFailed, Domains: []string{domain}}},
			want:    repostate.DeployFailed,
		},
		{
			name:    "building maps to deploying",
			commits: []platform.Commit{{SHA: sha, Message: "work"}},
			builds:  []platform.Build{{DeploymentID: "d1", State: platform.BuildStateBuilding, Domains: []string{domain}}},
			want:    repostate.DeployDeploying,
		},
		{
			name:         "no registry entry while agent runs",
			commits:      []platform.Commit{{SHA: sha, Message: "work"}},
			agentRunning: true,
			want:         repostate.DeployDeploying,
		},
		{
			name:    "no registry entry while agent idle",
			commits: []platform.Commit{{SHA: sha, Message: "work"}},
			want:    repostate.DeployIdle,
		},
		{
			name: "no commits",
			want: repostate.DeployIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconciler(&fakeGit{commits: tt.commits}, &fakeRegistry{builds: tt.builds})
			status, err := r.StatusForLatestCommit(context.Background(), "repo-1", tt.agentRunning)
			if err != nil {
				t.Fatal(err)
			}
			if status.State != tt.want {
				t.Errorf("state = %q, want %q", status.State, tt.want)
			}
			if len(tt.commits) == 0 && status.Message == "" {
				t.Error("expected explanatory message for empty history")
			}
		})
	}
}

func TestTimeline(t *testing.T) {
	now := time.Now()
	git := &fakeGit{commits: []platform.Commit{
		{SHA: "aaaaaaaaaaaaaaaa", Message: "second", Date: now},
		{SHA: "bbbbbbbbbbbbbbbb", Message: "first", Date: now.Add(-time.Hour)},
		{SHA: "cccccccccccccccc", Message: "Initial commit from template", Date: now.Add(-2 * time.Hour)},
	}}
	reg := &fakeRegistry{builds: []platform.Build{
		{DeploymentID: "d1", State: platform.BuildStateDeployed, Domains: []string{"aaaaaaaaaaaa.anvilapps.dev"}},
	}}
	r := newReconciler(git, reg)

	entries, err := r.Timeline(context.Background(), "repo-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2 (bootstrap skipped)", entries)
	}
	if entries[0].State != repostate.DeployLive {
		t.Errorf("newest state = %q, want live", entries[0].State)
	}
	if entries[1].State != repostate.DeployIdle {
		t.Errorf("older state = %q, want idle", entries[1].State)
	}
	if entries[0].URL != "https://aaaaaaaaaaaa.anvilapps.dev" {
		t.Errorf("url = %q", entries[0].URL)
	}
}

func TestTriggerDeployRecordsDeployment(t *testing.T) {
	mg := &metadataGit{files: map[string]string{
		repostate.MetadataPath: `{"version":1,"vm":{"id":"vm-1"},"conversations":[],"deployments":[]}`,
	}}
	git := &fakeGit{commits: []platform.Commit{
		{SHA: "0123456789abcdef", Message: "add homepage", Date: time.Now()},
	}}
	reg := &fakeRegistry{}
	r := newReconciler(git, reg)
	r.Store = repostate.NewStore(mg)

	if err := r.TriggerDeploy(context.Background(), "repo-1"); err != nil {
		t.Fatal(err)
	}
	if len(reg.created) != 1 || reg.created[0][0] != "0123456789ab.anvilapps.dev" {
		t.Errorf("created builds = %v", reg.created)
	}

	md, err := r.Store.ReadMetadata(context.Background(), "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Deployments) != 1 {
		t.Fatalf("deployments = %+v", md.Deployments)
	}
	dep := md.Deployments[0]
	if dep.CommitSHA != "0123456789abcdef" || dep.State != repostate.DeployDeploying {
		t.Errorf("deployment = %+v", dep)
	}
	if dep.DeploymentID == nil || *dep.DeploymentID != "dep-1" {
		t.Errorf("deploymentId = %v", dep.DeploymentID)
	}
}

func TestTriggerDeployUninitializedRepo(t *testing.T) {
	mg := &metadataGit{files: map[string]string{}}
	git := &fakeGit{commits: []platform.Commit{{SHA: "abc", Message: "work"}}}
	r := newReconciler(git, &fakeRegistry{})
	r.Store = repostate.NewStore(mg)

	if err := r.TriggerDeploy(context.Background(), "repo-1"); err == nil {
		t.Error("expected error for uninitialized repo")
	}
}
