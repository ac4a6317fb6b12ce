package platform

import (
	"context"
	"fmt"
)

// Build states reported by the deployment registry.
const (
	BuildStateBuilding = "building"
	BuildStateDeployed = "deployed"
	BuildStateFailed   = "failed"
)

// Build is one entry of the deployment registry's listing.
type Build struct {
	DeploymentID string   `json:"deploymentId"`
	State        string   `json:"state"`
	Domains      []string `json:"domains"`
}

// CreateBuild asks the registry to build and deploy the repository's
// current default-branch tip under the given domains, returning the new
// deployment id.
func (c *Client) CreateBuild(ctx context.Context, repoID string, domains []string) (string, error) {
	var out struct {
		DeploymentID string `json:"deploymentId"`
	}
	in := map[string]any{"repoId": repoID, "domains": domains}
	if err := c.do(ctx, "POST", "/deploy/v1/builds", in, &out); err != nil {
		return "", err
	}
	if out.DeploymentID == "" {
		return "", fmt.Errorf("platform: create build: empty deployment id in response")
	}
	return out.DeploymentID, nil
}

// ListBuilds returns the registry's deployment entries for the caller's
// account, newest first.
func (c *Client) ListBuilds(ctx context.Context) ([]Build, error) {
	var out struct {
		Builds []Build `json:"builds"`
	}
	if err := c.do(ctx, "GET", "/deploy/v1/builds", nil, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}
