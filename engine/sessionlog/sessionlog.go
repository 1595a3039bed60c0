// Package sessionlog implements the Session Event Log (spec.md §4.6 / §6):
// an append-only, offset-ordered, correlation-tagged event store that is the
// source of truth for turn inputs.
//
// Grounded on runtime/agent/runlog (Event/Page/Store with Append/List and
// opaque cursors) merged with runtime/agent/session (Session lifecycle),
// generalized to the spec's min_offset/kinds/source filters and long-poll
// contract.
package sessionlog

import (
	"context"
	"errors"
	"time"
)

type (
	// Kind classifies an Event (spec.md §3).
	Kind string

	// Source identifies who produced an Event (spec.md §3).
	Source string

	// Event is a single immutable, offset-ordered entry in a session's log.
	// Deletion never mutates an Event; it only sets Deleted (spec.md
	// invariant 3).
	Event struct {
		ID            string
		SessionID     string
		Offset        int64
		Kind          Kind
		Source        Source
		CorrelationID string
		CreationUTC   time.Time
		Data          map[string]any
		Deleted       bool
	}

	// Session is the durable conversational container an event log belongs
	// to (spec.md §3).
	Session struct {
		ID         string
		AgentID    string
		CustomerID string
		CreationUTC time.Time
		Title      string
	}

	// ListOptions filters a List call (spec.md §6 list_events).
	ListOptions struct {
		MinOffset           int64
		Kinds               []Kind
		Source              Source
		WaitForDataSeconds  float64
		IncludeDeleted      bool
	}

	// Store is the append-only event log contract. Implementations must
	// allocate offsets atomically and serve writes through a per-session
	// writer lock so append order matches offset order (spec.md §5).
	Store interface {
		// CreateSession creates (or returns) a session record.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// LoadSession loads session metadata.
		LoadSession(ctx context.Context, sessionID string) (Session, error)

		// Append assigns the next offset for the session and stores the
		// event durably. The caller-supplied Offset field is ignored.
		Append(ctx context.Context, e Event) (Event, error)

		// List returns events at or above opts.MinOffset, optionally
		// filtered by Kinds/Source, in offset order. Tombstoned events are
		// omitted unless IncludeDeleted is set (spec.md invariant 3). When
		// opts.WaitForDataSeconds > 0 and no events are immediately
		// available, List blocks up to that duration for new data before
		// returning an empty slice (spec.md §6 long-poll contract).
		List(ctx context.Context, sessionID string, opts ListOptions) ([]Event, error)

		// Delete tombstones an event; it remains visible to List with
		// IncludeDeleted but invisible to ordinary engine reads.
		Delete(ctx context.Context, sessionID, eventID string) error
	}
)

const (
	KindMessage Kind = "message"
	KindStatus  Kind = "status"
	KindTool    Kind = "tool"

	SourceCustomer                    Source = "customer"
	SourceCustomerUI                  Source = "customer_ui"
	SourceHumanAgent                  Source = "human_agent"
	SourceHumanAgentOnBehalfOfAIAgent Source = "human_agent_on_behalf_of_ai_agent"
	SourceAIAgent                     Source = "ai_agent"
	SourceSystem                      Source = "system"
)

// Status values for status events' Data["status"] field (spec.md §6).
const (
	StatusAcknowledged = "acknowledged"
	StatusProcessing   = "processing"
	StatusTyping       = "typing"
	StatusReady        = "ready"
	StatusCancelled    = "cancelled"
	StatusError        = "error"
	StatusAccepted     = "accepted"
	StatusPending      = "pending"
)

// ErrSessionNotFound indicates a session does not exist in the store.
var ErrSessionNotFound = errors.New("sessionlog: session not found")

// ErrEventNotFound indicates an event does not exist in the store.
var ErrEventNotFound = errors.New("sessionlog: event not found")
