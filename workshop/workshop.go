// Package workshop provisions new app workspaces: a git repository
// cloned from the template, a sandbox VM attached to it, and the
// initial metadata document.
package workshop

import (
	"context"
	"fmt"
	"log/slog"

	"anvil.dev/platform"
	"anvil.dev/repostate"
)

// Platform is the slice of the platform API provisioning needs.
type Platform interface {
	CreateRepo(ctx context.Context, name, templateURL string) (string, error)
	CreateVM(ctx context.Context, repoID, workdir string, devPort int) (*platform.VMInfo, error)
	GrantGitPermission(ctx context.Context, identityID, repoID string) error
	GrantVMPermission(ctx context.Context, identityID, vmID string) error
}

// Provisioner creates ready-to-use workspaces.
type Provisioner struct {
	Platform Platform
	Store    *repostate.Store

	TemplateRepoURL string
	VMWorkdir       string
	DevPort         int
}

// Workspace is the result of provisioning: everything a client needs
// to start chatting about a new app.
type Workspace struct {
	RepoID   string                 `json:"repoId"`
	VM       repostate.VMInfo       `json:"vm"`
	Metadata repostate.RepoMetadata `json:"metadata"`
}

// Provision creates the repo, boots its VM, grants the identity access
// to both, and commits the initial metadata document. There is no
// rollback: a partially provisioned workspace is reported as an error
// and left for the platform's garbage collection.
func (p *Provisioner) Provision(ctx context.Context, identityID, name string) (*Workspace, error) {
	repoID, err := p.Platform.CreateRepo(ctx, name, p.TemplateRepoURL)
	if err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	if err := p.Platform.GrantGitPermission(ctx, identityID, repoID); err != nil {
		return nil, fmt.Errorf("grant git access: %w", err)
	}

	vm, err := p.Platform.CreateVM(ctx, repoID, p.VMWorkdir, p.DevPort)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	if err := p.Platform.GrantVMPermission(ctx, identityID, vm.ID); err != nil {
		return nil, fmt.Errorf("grant vm access: %w", err)
	}

	md := repostate.NewRepoMetadata(&repostate.VMInfo{
		ID:               vm.ID,
		PreviewURL:       vm.PreviewURL,
		DevTerminalURL:   vm.DevTerminalURL,
		ExtraTerminalURL: vm.ExtraTerminalURL,
	})
	if err := p.Store.WriteMetadata(ctx, repoID, md); err != nil {
		return nil, fmt.Errorf("write initial metadata: %w", err)
	}

	slog.InfoContext(ctx, "workspace provisioned",
		slog.String("repo_id", repoID),
		slog.String("vm_id", vm.ID),
		slog.String("identity_id", identityID),
	)
	return &Workspace{RepoID: repoID, VM: *md.VM, Metadata: *md}, nil
}
