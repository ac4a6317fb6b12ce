package platform

import "context"

// ListGitRepos returns the repo ids the given identity has git access to.
func (c *Client) ListGitRepos(ctx context.Context, identityID string) ([]string, error) {
	var out struct {
		RepoIDs []string `json:"repoIds"`
	}
	p := "/identity/v1/identities/" + pathEscape(identityID) + "/repos"
	if err := c.do(ctx, "GET", p, nil, &out); err != nil {
		return nil, err
	}
	return out.RepoIDs, nil
}

// GrantGitPermission gives the identity read/write git access to a repo.
func (c *Client) GrantGitPermission(ctx context.Context, identityID, repoID string) error {
	in := map[string]string{"repoId": repoID, "level": "write"}
	return c.do(ctx, "POST", "/identity/v1/identities/"+pathEscape(identityID)+"/permissions/git", in, nil)
}

// GrantVMPermission gives the identity access to a VM's terminals.
func (c *Client) GrantVMPermission(ctx context.Context, identityID, vmID string) error {
	in := map[string]string{"vmId": vmID}
	return c.do(ctx, "POST", "/identity/v1/identities/"+pathEscape(identityID)+"/permissions/vm", in, nil)
}
