// Package transfer implements the durable Transfer entity and its store
// (spec §3, §4.1): the single shared mutable resource across the core, and
// the only component that talks to the database.
package transfer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes uploads (served to a remote peer) from downloads
// (fetched on the operator's behalf). The core only schedules uploads; the
// store models both directions so a downloads feature can share it without
// a schema change (SPEC_FULL.md "Supplemented features").
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Phase is the position of a transfer in its lifecycle. Phase and Outcome
// replace the source's flag-set TransferStates bit-union (REDESIGN FLAGS):
// a transfer has exactly one Phase, and, once Phase is Completed, exactly
// one Outcome.
type Phase string

const (
	PhaseRequested    Phase = "requested"
	PhaseQueued       Phase = "queued"
	PhaseInitializing Phase = "initializing"
	PhaseInProgress   Phase = "in_progress"
	PhaseCompleted    Phase = "completed"
)

// Outcome is set only once Phase reaches PhaseCompleted.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeRejected  Outcome = "rejected"
	OutcomeAborted   Outcome = "aborted"
)

// Origin records whether the transfer was queued locally (awaiting our
// slot) or is the initiating side's remote placeholder. Only "Locally" is
// produced by this subsystem; "Remotely" exists for parity with the
// source's flag-set vocabulary and downloads.
type Origin string

const (
	OriginLocally  Origin = "locally"
	OriginRemotely Origin = "remotely"
)

// State is the (Phase, Outcome) pair persisted for a Transfer. String
// renders it in the historical comma-separated flag-set encoding so
// external readers (and the legacy wire format) see the familiar shape,
// e.g. "Queued,Locally" or "Completed,Succeeded".
type State struct {
	Phase   Phase
	Outcome Outcome
	Origin  Origin
}

// Validate enforces the Transfer invariant from spec §3: exactly one
// outcome is set once, and only once, Phase is Completed.
func (s State) Validate() error {
	if s.Phase == PhaseCompleted {
		if s.Outcome == OutcomeNone {
			return errInvalidState("completed transfer must carry an outcome")
		}
		return nil
	}
	if s.Outcome != OutcomeNone {
		return errInvalidState("outcome set before transfer reached Completed")
	}
	return nil
}

type invalidStateError string

func (e invalidStateError) Error() string { return string(e) }
func errInvalidState(msg string) error    { return invalidStateError(msg) }

// String renders the flag-set encoding. The store does not use it: records
// are persisted as JSON with Phase, Outcome and Origin as separate fields.
func (s State) String() string {
	parts := make([]string, 0, 3)
	parts = append(parts, capitalize(string(s.Phase)))
	if s.Outcome != OutcomeNone {
		parts = append(parts, capitalize(string(s.Outcome)))
	}
	if s.Origin != "" {
		parts = append(parts, capitalize(string(s.Origin)))
	}
	return strings.Join(parts, ",")
}

func capitalize(s string) string {
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// IsCompleted reports whether the transfer has reached a terminal state.
func (s State) IsCompleted() bool { return s.Phase == PhaseCompleted }

// Transfer is the persistent record described in spec §3.
type Transfer struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Username  string    `json:"username"`
	// Filename is the remote path as the peer sees it: the wire identifier
	// and the key used for duplicate detection.
	Filename string `json:"filename"`

	Size             uint64 `json:"size"`
	StartOffset      uint64 `json:"startOffset"`
	BytesTransferred uint64 `json:"bytesTransferred"`

	State State `json:"state"`

	RequestedAt time.Time  `json:"requestedAt"`
	EnqueuedAt  *time.Time `json:"enqueuedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	Exception string `json:"exception,omitempty"`

	// AverageSpeed in bytes/sec, populated only on terminal transfers.
	AverageSpeed float64 `json:"averageSpeed,omitempty"`

	// Removed is the soft-delete flag; the record remains for history and
	// limit accounting.
	Removed bool `json:"removed"`
}

// New constructs a fresh, not-yet-persisted Transfer in the
// Queued|Locally state, as admission does for every accepted request
// (spec §4.5 step 7).
func New(direction Direction, username, filename string, size uint64, now time.Time) *Transfer {
	return &Transfer{
		ID:          uuid.NewString(),
		Direction:   direction,
		Username:    username,
		Filename:    filename,
		Size:        size,
		RequestedAt: now,
		State:       State{Phase: PhaseQueued, Origin: OriginLocally},
	}
}

// clone returns a deep-enough copy safe for callers to mutate without
// racing the store's internal copy.
func (t *Transfer) clone() *Transfer {
	if t == nil {
		return nil
	}
	cp := *t
	if t.EnqueuedAt != nil {
		ts := *t.EnqueuedAt
		cp.EnqueuedAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.EndedAt != nil {
		ts := *t.EndedAt
		cp.EndedAt = &ts
	}
	return &cp
}

// TransitionPhase moves the transfer through Queued/Initializing/InProgress,
// stamping EnqueuedAt / StartedAt the first time each phase is entered, per
// spec §4.6 step 4 ("Transitions through Queued set EnqueuedAt. Transitions
// through InProgress set StartedAt.").
func (t *Transfer) TransitionPhase(phase Phase, now time.Time) {
	t.State.Phase = phase
	switch phase {
	case PhaseQueued:
		if t.EnqueuedAt == nil {
			ts := now
			t.EnqueuedAt = &ts
		}
	case PhaseInProgress:
		if t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
	}
}

// Complete finalizes the transfer with a terminal outcome, setting EndedAt
// and, per the invariant, exactly one Outcome.
func (t *Transfer) Complete(outcome Outcome, exception string, now time.Time, averageSpeed float64) {
	t.State.Phase = PhaseCompleted
	t.State.Outcome = outcome
	ts := now
	t.EndedAt = &ts
	t.Exception = exception
	t.AverageSpeed = averageSpeed
}
