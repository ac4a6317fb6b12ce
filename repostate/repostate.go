// Package repostate persists a repository's conversation and deployment
// state as JSON documents committed into the repository itself.
//
// One metadata document per repo lives at MetadataPath; each
// conversation's messages live in their own document under
// conversationsDir. The committed documents are the single source of
// truth: in-memory copies are caches that defer to the latest commit.
package repostate

import (
	"encoding/json"
	"time"
)

// MetadataPath is the fixed path of the metadata document inside the repo.
const MetadataPath = ".anvil/metadata.json"

const conversationsDir = ".anvil/conversations/"

// ConversationPath returns the path of a conversation's message document.
func ConversationPath(conversationID string) string {
	return conversationsDir + conversationID + ".json"
}

// MetadataVersion is the current schema version of RepoMetadata.
const MetadataVersion = 1

// DeployState is the user-facing state of one deployment.
type DeployState string

const (
	DeployIdle      DeployState = "idle"
	DeployDeploying DeployState = "deploying"
	DeployLive      DeployState = "live"
	DeployFailed    DeployState = "failed"
)

// VMInfo records the sandbox VM bound to a repository. It is written once
// at provisioning and replaced only if the VM is recreated.
type VMInfo struct {
	ID               string `json:"id"`
	PreviewURL       string `json:"previewUrl"`
	DevTerminalURL   string `json:"devTerminalUrl"`
	ExtraTerminalURL string `json:"extraTerminalUrl"`
}

// ConversationSummary is one entry of the metadata's conversation list.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeploymentSummary is one entry of the metadata's deployment list.
type DeploymentSummary struct {
	CommitSHA     string      `json:"commitSha"`
	CommitMessage string      `json:"commitMessage"`
	CommitDate    time.Time   `json:"commitDate"`
	Domain        string      `json:"domain"`
	URL           string      `json:"url"`
	DeploymentID  *string     `json:"deploymentId"`
	State         DeployState `json:"state"`
}

// RepoMetadata is the committed metadata document of one repository.
type RepoMetadata struct {
	Version                int                   `json:"version"`
	VM                     *VMInfo               `json:"vm"`
	Conversations          []ConversationSummary `json:"conversations"`
	Deployments            []DeploymentSummary   `json:"deployments"`
	ProductionDomain       *string               `json:"productionDomain"`
	ProductionDeploymentID *string               `json:"productionDeploymentId"`
}

// NewRepoMetadata returns a fresh metadata document bound to vm.
func NewRepoMetadata(vm *VMInfo) *RepoMetadata {
	return &RepoMetadata{
		Version:       MetadataVersion,
		VM:            vm,
		Conversations: []ConversationSummary{},
		Deployments:   []DeploymentSummary{},
	}
}

// Message is one message of a conversation transcript, as stored in the
// per-conversation document and exchanged with the web client.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"` // "user" | "assistant"
	Parts []Part `json:"parts"`
}

// Part is one segment of a Message.
type Part struct {
	Type string `json:"type"` // "text" | "tool-call" | "tool-result"
	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	// State distinguishes completed tool parts from cancelled ones.
	State string `json:"state,omitempty"` // "" | "done" | "canceled"
}
