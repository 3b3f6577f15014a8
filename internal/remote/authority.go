// internal/remote/authority.go
package remote

import (
	"context"

	"github.com/Corphon/VillagerBridge/internal/models"
)

// FetchRequest carries everything the authority needs to produce a script.
type FetchRequest struct {
	ParticipantIDs []string `json:"agentIds"`
	Location       string   `json:"location"`
	ContextHint    string   `json:"contextHint,omitempty"`
	GroupKey       string   `json:"groupHash"`
	ForceNew       bool     `json:"forceNew"`
}

// Authority is the remote source of truth for scripts and their versions.
type Authority interface {
	// Metadata returns nil, nil when the authority has no script for groupKey.
	Metadata(ctx context.Context, groupKey string) (*models.ScriptMetadata, error)
	FetchScript(ctx context.Context, req FetchRequest) (*models.ConversationScript, error)
}
