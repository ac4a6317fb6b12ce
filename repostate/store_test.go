package repostate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"anvil.dev/platform"
)

// fakeGit keeps the latest committed content of every file, like the tip
// of a single-branch repo.
type fakeGit struct {
	files   map[string]string
	commits []platform.CommitRequest
}

func newFakeGit() *fakeGit {
	return &fakeGit{files: map[string]string{}}
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
	g.commits = append(g.commits, req)
	return nil
}

func seedMetadata(t *testing.T, g *fakeGit) *RepoMetadata {
	t.Helper()
	md := NewRepoMetadata(&VMInfo{ID: "vm-1", PreviewURL: "https://preview.test"})
	payload, err := json.Marshal(md)
	if err != nil {
		t.Fatal(err)
	}
	g.files[MetadataPath] = string(payload)
	return md
}

func TestReadMetadataMissingIsNil(t *testing.T) {
	s := NewStore(newFakeGit())
	md, err := s.ReadMetadata(context.Background(), "repo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md != nil {
		t.Fatalf("expected nil metadata for uninitialized repo, got %+v", md)
	}
}

func TestReadMetadataUnparseableIsNil(t *testing.T) {
	g := newFakeGit()
	g.files[MetadataPath] = "not json {"
	s := NewStore(g)
	md, err := s.ReadMetadata(context.Background(), "repo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md != nil {
		t.Fatalf("expected nil metadata for unparseable document, got %+v", md)
	}
}

func TestReadMetadataNormalizesNilLists(t *testing.T) {
	g := newFakeGit()
	g.files[MetadataPath] = `{"version":1,"vm":{"id":"vm-1"}}`
	s := NewStore(g)
	md, err := s.ReadMetadata(context.Background(), "repo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Conversations == nil || md.Deployments == nil {
		t.Fatalf("expected empty lists, got %+v", md)
	}
}

func TestCreateConversation(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)

	summary, err := s.CreateConversation(context.Background(), "repo-1", stale, "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Title != "Conversation 1" {
		t.Errorf("title = %q, want %q", summary.Title, "Conversation 1")
	}

	md, err := s.ReadMetadata(context.Background(), "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Conversations) != 1 || md.Conversations[0].ID != "conv-1" {
		t.Fatalf("conversations = %+v, want one entry conv-1", md.Conversations)
	}
	if g.files[ConversationPath("conv-1")] != "[]" {
		t.Errorf("expected empty message document, got %q", g.files[ConversationPath("conv-1")])
	}
	// Both files must land in one commit.
	last := g.commits[len(g.commits)-1]
	if len(last.Files) != 2 {
		t.Errorf("expected metadata and messages in a single commit, got %d files", len(last.Files))
	}
}

func TestSaveConversationMessagesDerivesTitle(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)
	ctx := context.Background()

	if _, err := s.CreateConversation(ctx, "repo-1", stale, "conv-1"); err != nil {
		t.Fatal(err)
	}

	messages := []Message{
		{ID: "m1", Role: "user", Parts: []Part{{Type: "text", Text: "Build me a todo app"}}},
		{ID: "m2", Role: "assistant", Parts: []Part{{Type: "text", Text: "On it."}}},
	}
	if err := s.SaveConversationMessages(ctx, "repo-1", stale, "conv-1", messages); err != nil {
		t.Fatal(err)
	}

	md, err := s.ReadMetadata(ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := md.Conversations[0].Title; got != "Build me a todo app" {
		t.Errorf("title = %q, want %q", got, "Build me a todo app")
	}

	stored, err := s.ReadConversationMessages(ctx, "repo-1", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[0].ID != "m1" {
		t.Fatalf("stored messages = %+v", stored)
	}
}

func TestSaveConversationMessagesPreservesCreatedAt(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)
	ctx := context.Background()

	if _, err := s.CreateConversation(ctx, "repo-1", stale, "conv-1"); err != nil {
		t.Fatal(err)
	}
	md, _ := s.ReadMetadata(ctx, "repo-1")
	created := md.Conversations[0].CreatedAt

	messages := []Message{{ID: "m1", Role: "user", Parts: []Part{{Type: "text", Text: "hi"}}}}
	if err := s.SaveConversationMessages(ctx, "repo-1", stale, "conv-1", messages); err != nil {
		t.Fatal(err)
	}
	md, _ = s.ReadMetadata(ctx, "repo-1")
	if !md.Conversations[0].CreatedAt.Equal(created) {
		t.Errorf("createdAt changed: %v -> %v", created, md.Conversations[0].CreatedAt)
	}
	if md.Conversations[0].UpdatedAt.Before(created) {
		t.Errorf("updatedAt %v before createdAt %v", md.Conversations[0].UpdatedAt, created)
	}
}

func TestSaveConversationMessagesTwoConversations(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)
	ctx := context.Background()

	if _, err := s.CreateConversation(ctx, "repo-1", stale, "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateConversation(ctx, "repo-1", stale, "conv-2"); err != nil {
		t.Fatal(err)
	}

	msgs1 := []Message{{ID: "a", Role: "user", Parts: []Part{{Type: "text", Text: "first chat"}}}}
	msgs2 := []Message{{ID: "b", Role: "user", Parts: []Part{{Type: "text", Text: "second chat"}}}}
	// The stale snapshot is deliberately out of date: the store must
	// re-read before each write so neither save clobbers the other.
	if err := s.SaveConversationMessages(ctx, "repo-1", stale, "conv-1", msgs1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConversationMessages(ctx, "repo-1", stale, "conv-2", msgs2); err != nil {
		t.Fatal(err)
	}

	md, err := s.ReadMetadata(ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Conversations) != 2 {
		t.Fatalf("conversations = %+v, want 2 entries", md.Conversations)
	}
	if md.Conversations[0].ID != "conv-2" || md.Conversations[1].ID != "conv-1" {
		t.Errorf("expected most-recently-updated first, got %s then %s",
			md.Conversations[0].ID, md.Conversations[1].ID)
	}
	if md.Conversations[1].Title != "first chat" {
		t.Errorf("conv-1 title lost: %q", md.Conversations[1].Title)
	}
}

func TestAddDeploymentDeduplicatesByCommit(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)
	ctx := context.Background()

	dep1 := DeploymentSummary{CommitSHA: "abc123", Domain: "abc123.anvilapps.dev", State: DeployDeploying}
	dep2 := DeploymentSummary{CommitSHA: "def456", Domain: "def456.anvilapps.dev", State: DeployDeploying}
	if err := s.AddDeployment(ctx, "repo-1", stale, dep1); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDeployment(ctx, "repo-1", stale, dep2); err != nil {
		t.Fatal(err)
	}

	// Replay dep1 with a different state; it must replace, not duplicate.
	dep1b := dep1
	dep1b.State = DeployLive
	if err := s.AddDeployment(ctx, "repo-1", stale, dep1b); err != nil {
		t.Fatal(err)
	}

	md, err := s.ReadMetadata(ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Deployments) != 2 {
		t.Fatalf("deployments = %+v, want 2 entries", md.Deployments)
	}
	if md.Deployments[0].CommitSHA != "abc123" || md.Deployments[0].State != DeployLive {
		t.Errorf("newest record = %+v, want live abc123", md.Deployments[0])
	}
}

func TestSetProductionDomainAndPromote(t *testing.T) {
	g := newFakeGit()
	stale := seedMetadata(t, g)
	s := NewStore(g)
	ctx := context.Background()

	if err := s.SetProductionDomain(ctx, "repo-1", stale, "myapp.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.PromoteDeployment(ctx, "repo-1", stale, "dep-42"); err != nil {
		t.Fatal(err)
	}

	md, err := s.ReadMetadata(ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if md.ProductionDomain == nil || *md.ProductionDomain != "myapp.example.com" {
		t.Errorf("productionDomain = %v", md.ProductionDomain)
	}
	if md.ProductionDeploymentID == nil || *md.ProductionDeploymentID != "dep-42" {
		t.Errorf("productionDeploymentId = %v", md.ProductionDeploymentID)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := "This is a very long first message that should be cut off at sixty characters exactly"
	tests := []struct {
		name     string
		messages []Message
		want     string
	}{
		{
			name: "first user text wins",
			messages: []Message{
				{Role: "assistant", Parts: []Part{{Type: "text", Text: "welcome"}}},
				{Role: "user", Parts: []Part{{Type: "text", Text: "Build me a todo app"}}},
			},
			want: "Build me a todo app",
		},
		{
			name: "whitespace collapsed",
			messages: []Message{
				{Role: "user", Parts: []Part{{Type: "text", Text: "  make \n\n it   pop "}}},
			},
			want: "make it pop",
		},
		{
			name: "truncated to 60",
			messages: []Message{
				{Role: "user", Parts: []Part{{Type: "text", Text: long}}},
			},
			want: long[:60],
		},
		{
			name: "multibyte runes truncated on rune boundary",
			messages: []Message{
				{Role: "user", Parts: []Part{{Type: "text", Text: strings.Repeat("é", 70)}}},
			},
			want: strings.Repeat("é", 60),
		},
		{name: "empty transcript", messages: nil, want: ""},
		{
			name: "tool parts skipped",
			messages: []Message{
				{Role: "user", Parts: []Part{{Type: "tool-result", Output: "x"}, {Type: "text", Text: "real title"}}},
			},
			want: "real title",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTitle(tt.messages); got != tt.want {
				t.Errorf("DeriveTitle = %q, want %q", got, tt.want)
			}
		})
	}
}
