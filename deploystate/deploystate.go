// Package deploystate answers "what is deployed for this repo" by
// correlating git history with the platform's deployment registry.
// Commit hashes map to domains by a pure function, so no side-table is
// needed and the whole package is stateless: it is safe to call from
// any number of concurrent pollers.
package deploystate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"anvil.dev/platform"
	"anvil.dev/repostate"
)

const (
	// domainPrefixLen is how many leading characters of a commit hash
	// form its staging domain label.
	domainPrefixLen = 12

	// commitLookback bounds how far back in history we search for the
	// latest non-bootstrap commit.
	commitLookback = 50
)

// Git is the slice of the git provider the reconciler needs.
type Git interface {
	DefaultBranch(ctx context.Context, repoID string) (string, error)
	ListCommits(ctx context.Context, repoID, branch string, limit int) ([]platform.Commit, error)
}

// Registry is the slice of the deployment registry the reconciler needs.
type Registry interface {
	CreateBuild(ctx context.Context, repoID string, domains []string) (string, error)
	ListBuilds(ctx context.Context) ([]platform.Build, error)
}

// Status is the user-facing deployment state for a repo's latest commit.
type Status struct {
	State     repostate.DeployState `json:"state"`
	CommitSHA string                `json:"commitSha,omitempty"`
	Domain    string                `json:"domain,omitempty"`
	URL       string                `json:"url,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// TimelineEntry is one commit's resolved deployment state.
type TimelineEntry struct {
	CommitSHA     string                `json:"commitSha"`
	CommitMessage string                `json:"commitMessage"`
	CommitDate    time.Time             `json:"commitDate"`
	Domain        string                `json:"domain"`
	URL           string                `json:"url"`
	State         repostate.DeployState `json:"state"`
}

// Reconciler correlates commits with registry entries for one platform.
type Reconciler struct {
	Git      Git
	Registry Registry
	Store    *repostate.Store

	// DomainSuffix is appended to the commit-hash prefix to form a
	// staging domain, e.g. ".anvilapps.dev".
	DomainSuffix string

	// BootstrapMessage identifies the template's initial commit, which
	// never corresponds to user work and is skipped everywhere.
	BootstrapMessage string
}

// DeriveDomain maps a commit hash to its staging domain. Pure function
// of the hash: the same commit always deploys to the same domain.
func (r *Reconciler) DeriveDomain(commitSHA string) string {
	prefix := commitSHA
	if len(prefix) > domainPrefixLen {
		prefix = prefix[:domainPrefixLen]
	}
	return strings.ToLower(prefix) + r.DomainSuffix
}

// LatestCommitSHA returns the newest non-bootstrap commit hash on the
// default branch, or "" if the repo has no user commits yet.
func (r *Reconciler) LatestCommitSHA(ctx context.Context, repoID string) (string, error) {
	commits, err := r.userCommits(ctx, repoID, commitLookback)
	if err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0].SHA, nil
}

// StatusForLatestCommit resolves the deployment state of the repo's
// newest commit. isAgentRunning disambiguates the window between a
// push and the registry listing the build: a missing registry entry
// means "deploying" while the agent is active and "idle" otherwise.
func (r *Reconciler) StatusForLatestCommit(ctx context.Context, repoID string, isAgentRunning bool) (*Status, error) {
	var (
		commits []platform.Commit
		builds  []platform.Build
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		commits, err = r.userCommits(gctx, repoID, commitLookback)
		return err
	})
	g.Go(func() error {
		var err error
		builds, err = r.Registry.ListBuilds(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(commits) == 0 {
		return &Status{
			State:   repostate.DeployIdle,
			Message: "no commits to deploy yet",
		}, nil
	}

	sha := commits[0].SHA
	domain := r.DeriveDomain(sha)
	status := &Status{
		CommitSHA: sha,
		Domain:    domain,
		URL:       "https://" + domain,
	}

	if build, ok := buildForDomain(builds, domain); ok {
		status.State = mapBuildState(build.State)
		return status, nil
	}
	if isAgentRunning {
		status.State = repostate.DeployDeploying
	} else {
		status.State = repostate.DeployIdle
	}
	return status, nil
}

// Timeline returns the repo's recent commits with each one's resolved
// deployment state, newest first.
func (r *Reconciler) Timeline(ctx context.Context, repoID string, limit int) ([]TimelineEntry, error) {
	if limit < 1 || limit > commitLookback {
		limit = commitLookback
	}

	var (
		commits []platform.Commit
		builds  []platform.Build
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		commits, err = r.userCommits(gctx, repoID, limit)
		return err
	})
	g.Go(func() error {
		var err error
		builds, err = r.Registry.ListBuilds(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(commits))
	for _, c := range commits {
		domain := r.DeriveDomain(c.SHA)
		state := repostate.DeployIdle
		if build, ok := buildForDomain(builds, domain); ok {
			state = mapBuildState(build.State)
		}
		entries = append(entries, TimelineEntry{
			CommitSHA:     c.SHA,
			CommitMessage: c.Message,
			CommitDate:    c.Date,
			Domain:        domain,
			URL:           "https://" + domain,
			State:         state,
		})
	}
	return entries, nil
}

// TriggerDeploy starts a build for the repo's latest commit and records
// it in the repo's metadata. It is called fire-and-forget after a push;
// callers log (not propagate) failures.
func (r *Reconciler) TriggerDeploy(ctx context.Context, repoID string) error {
	commits, err := r.userCommits(ctx, repoID, commitLookback)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}
	if len(commits) == 0 {
		return fmt.Errorf("repo %s has no commits to deploy", repoID)
	}
	latest := commits[0]
	domain := r.DeriveDomain(latest.SHA)

	deploymentID, err := r.Registry.CreateBuild(ctx, repoID, []string{domain})
	if err != nil {
		return fmt.Errorf("create build for %s: %w", domain, err)
	}

	md, err := r.Store.ReadMetadata(ctx, repoID)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if md == nil {
		return fmt.Errorf("repo %s is not initialized", repoID)
	}
	return r.Store.AddDeployment(ctx, repoID, md, repostate.DeploymentSummary{
		CommitSHA:     latest.SHA,
		CommitMessage: latest.Message,
		CommitDate:    latest.Date,
		Domain:        domain,
		URL:           "https://" + domain,
		DeploymentID:  &deploymentID,
		State:         repostate.DeployDeploying,
	})
}

// userCommits lists recent commits on the default branch with the
// bootstrap commit filtered out.
func (r *Reconciler) userCommits(ctx context.Context, repoID string, limit int) ([]platform.Commit, error) {
	branch, err := r.Git.DefaultBranch(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("default branch: %w", err)
	}
	commits, err := r.Git.ListCommits(ctx, repoID, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	out := commits[:0]
	for _, c := range commits {
		if r.BootstrapMessage != "" && strings.TrimSpace(c.Message) == r.BootstrapMessage {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func buildForDomain(builds []platform.Build, domain string) (platform.Build, bool) {
	for _, b := range builds {
		for _, d := range b.Domains {
			if d == domain {
				return b, true
			}
		}
	}
	return platform.Build{}, false
}

// mapBuildState folds the registry's build states into the user-facing
// ones: anything that is neither deployed nor failed is still underway.
func mapBuildState(state string) repostate.DeployState {
	switch state {
	case platform.BuildStateDeployed:
		return repostate.DeployLive
	case platform.BuildStateFailed:
		return repostate.DeployFailed
	default:
		return repostate.DeployDeploying
	}
}
