package calllog

import (
	"context"
	"fmt"
	"time"
)

// Entry is one row of the recent calls list, shaped for display: provider
// vocabulary mapped to labels, counterpart picked by direction, timestamps
// and durations pre-formatted.
type Entry struct {
	CallID          string    `json:"call_id"`
	Counterpart     string    `json:"counterpart"`
	Direction       string    `json:"direction"`
	Status          string    `json:"status"`
	Missed          bool      `json:"missed"`
	StartTime       time.Time `json:"start_time"`
	When            string    `json:"when"`
	DurationSeconds int       `json:"duration_seconds"`
	Duration        string    `json:"duration,omitempty"`
	RecordingURL    string    `json:"recording_url,omitempty"`
}

// ViewModel serves the recent calls list: backend first, cache when the
// backend is unreachable.
type ViewModel struct {
	reconciler *Reconciler
	now        func() time.Time
	callerID   func() string
}

// NewViewModel creates a recent calls view model.
func NewViewModel(reconciler *Reconciler) *ViewModel {
	return &ViewModel{
		reconciler: reconciler,
		now:        time.Now,
		callerID:   func() string { return "" },
	}
}

// UseCallerID supplies the registered caller id used to classify records
// whose provider direction field is blank.
func (v *ViewModel) UseCallerID(fn func() string) {
	if fn != nil {
		v.callerID = fn
	}
}

// List returns recent calls, newest first. It refreshes from the backend
// when possible; if the backend is unreachable it serves the cache and
// reports stale=true. An error is returned only when both sources fail.
func (v *ViewModel) List(ctx context.Context, limit int) (entries []Entry, stale bool, err error) {
	records, refreshErr := v.reconciler.Refresh(ctx, limit)
	if refreshErr == nil {
		return shapeEntries(records, v.now(), v.callerID()), false, nil
	}

	records, cacheErr := v.reconciler.Cached(ctx, limit)
	if cacheErr != nil {
		return nil, false, fmt.Errorf("call log unavailable: %w", refreshErr)
	}
	return shapeEntries(records, v.now(), v.callerID()), true, nil
}

// Project filters entries by direction and slices out one page, newest
// first. An empty direction matches everything. Pages are 1-based; out of
// range pages come back empty. totalPages is 1 even when nothing matched,
// so clients can always render a pager.
func Project(entries []Entry, direction string, page, pageSize int) (pageEntries []Entry, totalPages int) {
	filtered := entries
	if direction != "" {
		filtered = make([]Entry, 0, len(entries))
		for _, e := range entries {
			if e.Direction == direction {
				filtered = append(filtered, e)
			}
		}
	}

	if pageSize < 1 {
		pageSize = 1
	}
	totalPages = (len(filtered) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 || page > totalPages {
		return []Entry{}, totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], totalPages
}

// Delete removes a call from the history.
func (v *ViewModel) Delete(ctx context.Context, callID string) error {
	return v.reconciler.Delete(ctx, callID)
}

func shapeEntries(records []Record, now time.Time, callerID string) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, shapeEntry(rec, now, callerID))
	}
	return entries
}

func shapeEntry(rec Record, now time.Time, callerID string) Entry {
	direction := DisplayDirection(rec.Direction)
	if rec.Direction == "" {
		direction = ClassifyDirection(rec.From, callerID)
	}
	status := DisplayStatus(rec.Status)

	counterpart := rec.From
	if direction == DirectionOutgoing {
		counterpart = rec.To
	}

	e := Entry{
		CallID:       rec.CallID,
		Counterpart:  counterpart,
		Direction:    direction,
		Status:       status,
		Missed:       direction == DirectionIncoming && status == StatusMissed,
		StartTime:    rec.StartTime,
		When:         formatWhen(rec.StartTime, now),
		RecordingURL: rec.RecordingURL,
	}
	if rec.Duration > 0 {
		e.DurationSeconds = rec.Duration
		e.Duration = formatSeconds(rec.Duration)
	}
	return e
}

// formatWhen renders a call timestamp the way a recents list shows it:
// clock time today, "Yesterday", weekday within the last week, date beyond.
func formatWhen(t, now time.Time) string {
	t = t.In(now.Location())
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Format("3:04 PM")
	}
	yesterday := now.AddDate(0, 0, -1)
	y3, m3, d3 := yesterday.Date()
	if y1 == y3 && m1 == m3 && d1 == d3 {
		return "Yesterday"
	}
	if now.Sub(t) < 7*24*time.Hour {
		return t.Format("Monday")
	}
	if y1 == y2 {
		return t.Format("Jan 2")
	}
	return t.Format("Jan 2, 2006")
}

func formatSeconds(total int) string {
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
