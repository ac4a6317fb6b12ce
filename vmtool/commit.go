package vmtool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"anvil.dev/llm"
	"anvil.dev/vmtool/shellkit"
)

const (
	commitAndPushName        = "commit_and_push"
	commitAndPushDescription = `
Commits all pending changes in the project and pushes them to the repository.
Pushing a commit triggers a deployment of that commit in the background.
Run check_app first: never push an app that does not load.
`
	commitAndPushInputSchema = `
{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {
      "type": "string",
      "description": "Commit message describing the change"
    }
  }
}
`

	commitAuthorName  = "anvil"
	commitAuthorEmail = "bot@anvil.dev"

	// deployTriggerTimeout bounds the background deployment trigger;
	// it runs detached from the request that caused it.
	deployTriggerTimeout = 2 * time.Minute
)

type commitAndPushInput struct {
	Message string `json:"message"`
}

type commitAndPushResult struct {
	OK               bool   `json:"ok"`
	CommitSHA        string `json:"commitSha"`
	DeploymentQueued bool   `json:"deploymentQueued"`
}

func (tb *Toolbox) commitAndPushTool() *llm.Tool {
	return &llm.Tool{
		Name:        commitAndPushName,
		Description: strings.TrimSpace(commitAndPushDescription),
		InputSchema: llm.MustSchema(commitAndPushInputSchema),
		Run:         tb.commitAndPush,
	}
}

func (tb *Toolbox) commitAndPush(ctx context.Context, m json.RawMessage) (string, error) {
	var req commitAndPushInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal commit_and_push input: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return errResult("commit message must not be empty"), nil
	}

	// Identity is set per invocation with -c so the tool never depends
	// on (or alters) the VM's git config.
	identity := fmt.Sprintf("-c user.name=%s -c user.email=%s",
		shellkit.Quote(commitAuthorName), shellkit.Quote(commitAuthorEmail))
	steps := []string{
		"git add -A",
		fmt.Sprintf("git %s commit -m %s", identity, shellkit.Quote(req.Message)),
		fmt.Sprintf("git %s pull --rebase", identity),
		"git push",
	}

	for _, step := range steps {
		res, err := tb.VM.Exec(ctx, step)
		if err != nil {
			return "", fmt.Errorf("sandbox exec %q: %w", step, err)
		}
		if !res.Ok() {
			// "nothing to commit" is a normal agent mistake, not a
			// transport failure; report it structurally.
			return errResult("%q failed: %s%s", step,
				strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr)), nil
		}
	}

	shaRes, err := tb.VM.Exec(ctx, "git rev-parse HEAD")
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	sha := strings.TrimSpace(shaRes.Stdout)

	queued := false
	if tb.Deployer != nil && tb.RepoID != "" {
		queued = true
		// Detached from the request: the push already succeeded and the
		// model should not wait on the deploy pipeline. Failures are
		// logged and never surfaced to this turn.
		go func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deployTriggerTimeout)
			defer cancel()
			if err := tb.Deployer.TriggerDeploy(dctx, tb.RepoID); err != nil {
				slog.ErrorContext(dctx, "deployment trigger failed",
					slog.String("repo_id", tb.RepoID),
					slog.String("commit_sha", sha),
					slog.String("error", err.Error()))
			}
		}()
	}

	return jsonResult(commitAndPushResult{
		OK:               true,
		CommitSHA:        sha,
		DeploymentQueued: queued,
	}), nil
}
