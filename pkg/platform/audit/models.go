// Package audit captures key identity-graph mutations as events. Events are
// emitted from domain logic after a unit of work commits; keep them
// transport-agnostic so stores and sinks can fan out.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action identifies what happened to the contact graph.
type Action string

const (
	// ActionContactCreated records a brand-new primary contact, i.e. a
	// customer seen for the first time.
	ActionContactCreated Action = "contact_created"

	// ActionContactLinked records a new secondary appended to an existing
	// cluster because the observation carried new information.
	ActionContactLinked Action = "contact_linked"

	// ActionClustersMerged records previously independent clusters unified
	// under the oldest primary.
	ActionClustersMerged Action = "clusters_merged"
)

// Event is one audit record. PrimaryID is always the cluster root after the
// operation; MergedIDs lists demoted primaries for merge events.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	PrimaryID int64     `json:"primaryId"`
	ContactID int64     `json:"contactId,omitempty"`
	MergedIDs []int64   `json:"mergedIds,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// Store is an append-only audit sink.
type Store interface {
	Append(ctx context.Context, event Event) error
}
