package session

import (
	"fmt"
	"time"
)

// CallSession is the single mutable record of the current call. At most one
// session is alive (non-Ended) per agent at any instant; the Manager is its
// sole writer.
type CallSession struct {
	// LocalID is an internally generated identifier assigned at creation,
	// used for correlation before the provider supplies its own id.
	LocalID string

	// ProviderID is the provider call identifier. Empty briefly while an
	// outbound call is being set up.
	ProviderID string

	// Direction is who originated the call.
	Direction Direction

	// State is the current lifecycle state.
	State State

	// CounterpartNumber is the remote party's number.
	CounterpartNumber string

	// StartedAt is when the session was created (dial requested or
	// inbound offer accepted).
	StartedAt time.Time

	// ConnectedAt is when the call was answered. Nil until Connected.
	ConnectedAt *time.Time

	// Muted reports whether outgoing media is muted.
	Muted bool

	// EndReason records why the session ended. EndReasonNone while live.
	EndReason EndReason
}

// Answered returns true if the call reached Connected at some point.
func (s *CallSession) Answered() bool {
	return s.ConnectedAt != nil
}

// Elapsed returns the connected duration as of now. Zero before answer.
// The value is derived from wall clock on each call rather than accumulated
// ticks, so a suspended process still reports correct totals.
func (s *CallSession) Elapsed(now time.Time) time.Duration {
	if s.ConnectedAt == nil {
		return 0
	}
	d := now.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return d
}

// FormatDuration renders a duration as m:ss (or h:mm:ss past an hour),
// the format the dialer UI shows next to an active call.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Snapshot is a read-only copy of the session state handed to the API and
// metrics layers.
type Snapshot struct {
	LocalID           string     `json:"local_id"`
	ProviderID        string     `json:"provider_id,omitempty"`
	Direction         string     `json:"direction"`
	State             string     `json:"state"`
	CounterpartNumber string     `json:"counterpart_number"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	Muted             bool       `json:"muted"`
	DurationSeconds   int        `json:"duration_seconds"`
	Duration          string     `json:"duration"`
	PendingDigits     string     `json:"pending_digits,omitempty"`
}
