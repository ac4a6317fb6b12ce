package repostate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"anvil.dev/platform"
)

// GitAPI is the slice of the platform git API the store needs.
// *platform.Client implements it.
type GitAPI interface {
	DefaultBranch(ctx context.Context, repoID string) (string, error)
	FileAtRef(ctx context.Context, repoID, ref, path string) (string, error)
	CreateCommit(ctx context.Context, repoID string, req platform.CommitRequest) error
}

// Commit identity used for all metadata commits. Distinct from the agent's
// code commits so that the bookkeeping commits are recognizable in history.
const (
	commitAuthorName  = "anvil"
	commitAuthorEmail = "bot@anvil.dev"
)

// titleMaxLen caps derived conversation titles.
const titleMaxLen = 60

// Store reads and writes repository metadata and conversation transcripts.
//
// Every mutating method re-reads the latest committed metadata before
// writing; the caller-supplied snapshot is used only when the fresh read
// fails. Concurrent writers can still race (last commit wins); this is
// an accepted weak-consistency design, there is no locking.
type Store struct {
	git GitAPI
}

// NewStore returns a Store backed by the given git API.
func NewStore(git GitAPI) *Store {
	return &Store{git: git}
}

// ReadMetadata returns the repo's metadata document at the tip of the
// default branch, or nil if the document does not exist or cannot be
// parsed (the repo was never initialized).
func (s *Store) ReadMetadata(ctx context.Context, repoID string) (*RepoMetadata, error) {
	branch, err := s.git.DefaultBranch(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("repostate: read metadata: %w", err)
	}
	content, err := s.git.FileAtRef(ctx, repoID, branch, MetadataPath)
	if errors.Is(err, platform.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repostate: read metadata: %w", err)
	}
	var md RepoMetadata
	if err := json.Unmarshal([]byte(content), &md); err != nil {
		slog.WarnContext(ctx, "repostate_metadata_unparseable", "repo_id", repoID, "error", err)
		return nil, nil
	}
	if md.Conversations == nil {
		md.Conversations = []ConversationSummary{}
	}
	if md.Deployments == nil {
		md.Deployments = []DeploymentSummary{}
	}
	return &md, nil
}

// WriteMetadata commits the metadata document as a single-file commit.
func (s *Store) WriteMetadata(ctx context.Context, repoID string, md *RepoMetadata) error {
	return s.commit(ctx, repoID, "Update repository metadata", []platform.CommitFile{
		metadataFile(md),
	})
}

// CreateConversation prepends a new conversation summary with an
// auto-numbered title and commits it together with an empty message
// document for the conversation, in one commit.
func (s *Store) CreateConversation(ctx context.Context, repoID string, stale *RepoMetadata, conversationID string) (*ConversationSummary, error) {
	md := s.freshMetadata(ctx, repoID, stale)
	if md == nil {
		return nil, fmt.Errorf("repostate: create conversation: repo %s has no metadata", repoID)
	}
	now := time.Now().UTC()
	summary := ConversationSummary{
		ID:        conversationID,
		Title:     fmt.Sprintf("Conversation %d", len(md.Conversations)+1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	md.Conversations = append([]ConversationSummary{summary}, md.Conversations...)

	err := s.commit(ctx, repoID, "Start conversation "+conversationID, []platform.CommitFile{
		metadataFile(md),
		{Path: ConversationPath(conversationID), Content: "[]"},
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ReadConversationMessages returns the conversation's transcript, or an
// empty list if the document is absent.
func (s *Store) ReadConversationMessages(ctx context.Context, repoID, conversationID string) ([]Message, error) {
	branch, err := s.git.DefaultBranch(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("repostate: read messages: %w", err)
	}
	content, err := s.git.FileAtRef(ctx, repoID, branch, ConversationPath(conversationID))
	if errors.Is(err, platform.ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repostate: read messages: %w", err)
	}
	var messages []Message
	if err := json.Unmarshal([]byte(content), &messages); err != nil {
		return nil, fmt.Errorf("repostate: parse messages for conversation %s: %w", conversationID, err)
	}
	return messages, nil
}

// SaveConversationMessages commits the full transcript together with the
// updated metadata: the conversation summary is upserted to the front of
// the list with a title derived from the first user text part.
func (s *Store) SaveConversationMessages(ctx context.Context, repoID string, stale *RepoMetadata, conversationID string, messages []Message) error {
	md := s.freshMetadata(ctx, repoID, stale)
	if md == nil {
		return fmt.Errorf("repostate: save messages: repo %s has no metadata", repoID)
	}

	now := time.Now().UTC()
	existing, rest := splitConversation(md.Conversations, conversationID)

	title := DeriveTitle(messages)
	if title == "" {
		if existing != nil && existing.Title != "" {
			title = existing.Title
		} else {
			title = fmt.Sprintf("Conversation %d", len(md.Conversations)+1)
		}
	}

	summary := ConversationSummary{
		ID:        conversationID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		summary.CreatedAt = existing.CreatedAt
	}
	md.Conversations = append([]ConversationSummary{summary}, rest...)

	payload, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("repostate: marshal messages: %w", err)
	}
	return s.commit(ctx, repoID, "Save conversation "+conversationID, []platform.CommitFile{
		metadataFile(md),
		{Path: ConversationPath(conversationID), Content: string(payload)},
	})
}

// AddDeployment prepends the deployment record, dropping any prior record
// for the same commit so a commit has at most one record at a time.
func (s *Store) AddDeployment(ctx context.Context, repoID string, stale *RepoMetadata, dep DeploymentSummary) error {
	md := s.freshMetadata(ctx, repoID, stale)
	if md == nil {
		return fmt.Errorf("repostate: add deployment: repo %s has no metadata", repoID)
	}
	kept := md.Deployments[:0:0]
	for _, d := range md.Deployments {
		if d.CommitSHA != dep.CommitSHA {
			kept = append(kept, d)
		}
	}
	md.Deployments = append([]DeploymentSummary{dep}, kept...)
	return s.commit(ctx, repoID, "Record deployment for "+shortSHA(dep.CommitSHA), []platform.CommitFile{
		metadataFile(md),
	})
}

// SetProductionDomain updates the repo's custom production domain.
func (s *Store) SetProductionDomain(ctx context.Context, repoID string, stale *RepoMetadata, domain string) error {
	md := s.freshMetadata(ctx, repoID, stale)
	if md == nil {
		return fmt.Errorf("repostate: set production domain: repo %s has no metadata", repoID)
	}
	md.ProductionDomain = &domain
	return s.commit(ctx, repoID, "Set production domain "+domain, []platform.CommitFile{
		metadataFile(md),
	})
}

// PromoteDeployment maps the production domain to the given deployment.
func (s *Store) PromoteDeployment(ctx context.Context, repoID string, stale *RepoMetadata, deploymentID string) error {
	md := s.freshMetadata(ctx, repoID, stale)
	if md == nil {
		return fmt.Errorf("repostate: promote deployment: repo %s has no metadata", repoID)
	}
	md.ProductionDeploymentID = &deploymentID
	return s.commit(ctx, repoID, "Promote deployment "+deploymentID, []platform.CommitFile{
		metadataFile(md),
	})
}

// freshMetadata re-reads the latest committed metadata, falling back to
// the caller's snapshot when the read fails or the document is missing.
func (s *Store) freshMetadata(ctx context.Context, repoID string, stale *RepoMetadata) *RepoMetadata {
	md, err := s.ReadMetadata(ctx, repoID)
	if err != nil {
		slog.WarnContext(ctx, "repostate_fresh_read_failed", "repo_id", repoID, "error", err)
		return stale
	}
	if md == nil {
		return stale
	}
	return md
}

func (s *Store) commit(ctx context.Context, repoID, message string, files []platform.CommitFile) error {
	branch, err := s.git.DefaultBranch(ctx, repoID)
	if err != nil {
		return fmt.Errorf("repostate: commit: %w", err)
	}
	err = s.git.CreateCommit(ctx, repoID, platform.CommitRequest{
		Branch:      branch,
		Message:     message,
		AuthorName:  commitAuthorName,
		AuthorEmail: commitAuthorEmail,
		Files:       files,
	})
	if err != nil {
		return fmt.Errorf("repostate: commit: %w", err)
	}
	return nil
}

func metadataFile(md *RepoMetadata) platform.CommitFile {
	payload, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		// RepoMetadata contains no unmarshalable types; this cannot happen.
		panic(fmt.Sprintf("repostate: marshal metadata: %v", err))
	}
	return platform.CommitFile{Path: MetadataPath, Content: string(payload)}
}

func splitConversation(list []ConversationSummary, id string) (*ConversationSummary, []ConversationSummary) {
	rest := make([]ConversationSummary, 0, len(list))
	var found *ConversationSummary
	for i := range list {
		if list[i].ID == id {
			found = &list[i]
			continue
		}
		rest = append(rest, list[i])
	}
	return found, rest
}

// DeriveTitle returns the first user-authored text part of the
// transcript, whitespace-collapsed and truncated to 60 characters, or ""
// when there is none.
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, p := range m.Parts {
			if p.Type != "text" {
				continue
			}
			title := strings.Join(strings.Fields(p.Text), " ")
			if title == "" {
				continue
			}
			if runes := []rune(title); len(runes) > titleMaxLen {
				title = string(runes[:titleMaxLen])
			}
			return title
		}
	}
	return ""
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
