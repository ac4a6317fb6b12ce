package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// Commit is one entry of a repository's commit log.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// CommitFile is one file of a commit to create.
type CommitFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CommitRequest describes a commit to create on a branch.
type CommitRequest struct {
	Branch      string       `json:"branch"`
	Message     string       `json:"message"`
	AuthorName  string       `json:"authorName"`
	AuthorEmail string       `json:"authorEmail"`
	Files       []CommitFile `json:"files"`
}

// CreateRepo creates a new git repository on the platform, populated from
// the given template repository, and returns its id.
func (c *Client) CreateRepo(ctx context.Context, name, templateURL string) (string, error) {
	var out struct {
		RepoID string `json:"repoId"`
	}
	in := map[string]string{"name": name, "source": templateURL}
	if err := c.do(ctx, "POST", "/git/v1/repos", in, &out); err != nil {
		return "", err
	}
	if out.RepoID == "" {
		return "", fmt.Errorf("platform: create repo: empty repo id in response")
	}
	return out.RepoID, nil
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	var out struct {
		DefaultBranch string `json:"defaultBranch"`
	}
	if err := c.do(ctx, "GET", "/git/v1/repos/"+pathEscape(repoID), nil, &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "main", nil
	}
	return out.DefaultBranch, nil
}

// FileAtRef returns the decoded content of a file at the given ref.
// A missing file is reported as ErrNotFound.
func (c *Client) FileAtRef(ctx context.Context, repoID, ref, path string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	p := fmt.Sprintf("/git/v1/repos/%s/contents/%s?ref=%s",
		pathEscape(repoID), pathEscape(path), url.QueryEscape(ref))
	if err := c.do(ctx, "GET", p, nil, &out); err != nil {
		return "", err
	}
	if out.Encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(out.Content)
		if err != nil {
			return "", fmt.Errorf("platform: decode file content: %w", err)
		}
		return string(raw), nil
	}
	return out.Content, nil
}

// CreateCommit creates a commit containing exactly the given files on the
// given branch.
func (c *Client) CreateCommit(ctx context.Context, repoID string, req CommitRequest) error {
	return c.do(ctx, "POST", "/git/v1/repos/"+pathEscape(repoID)+"/commits", req, nil)
}

// ListCommits returns up to limit commits of the given branch, most
// recent first.
func (c *Client) ListCommits(ctx context.Context, repoID, branch string, limit int) ([]Commit, error) {
	var out struct {
		Commits []Commit `json:"commits"`
	}
	p := fmt.Sprintf("/git/v1/repos/%s/commits?branch=%s&limit=%d",
		pathEscape(repoID), url.QueryEscape(branch), limit)
	if err := c.do(ctx, "GET", p, nil, &out); err != nil {
		return nil, err
	}
	return out.Commits, nil
}
