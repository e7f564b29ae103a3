// Package calllog maintains the recent calls history: recording call
// outcomes on the backend, caching the log locally, and shaping entries for
// display.
package calllog

import "strings"

// Display statuses shown in the recent calls list. Provider statuses the
// mapping does not know pass through unchanged so a new backend vocabulary
// degrades to raw text instead of a wrong label.
const (
	StatusAccepted = "accepted"
	StatusRinging  = "ringing"
	StatusMissed   = "missed"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
	StatusBusy     = "busy"
)

// displayStatus maps provider call statuses to their display form.
var displayStatus = map[string]string{
	"completed": StatusAccepted,
	"initiated": StatusRinging,
	"no-answer": StatusMissed,
	"canceled":  StatusCanceled,
	"failed":    StatusFailed,
	"busy":      StatusBusy,
}

// DisplayStatus converts a provider call status into the label the recent
// calls list shows. Unknown statuses pass through as-is.
func DisplayStatus(providerStatus string) string {
	s := strings.ToLower(strings.TrimSpace(providerStatus))
	if mapped, ok := displayStatus[s]; ok {
		return mapped
	}
	return providerStatus
}

// Display directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// DisplayDirection converts a provider direction into incoming or outgoing.
// Providers report outbound legs with qualifiers ("outbound-api",
// "outbound-dial"); anything outbound-ish is outgoing, anything else
// incoming.
func DisplayDirection(providerDirection string) string {
	d := strings.ToLower(strings.TrimSpace(providerDirection))
	if strings.HasPrefix(d, "outbound") || d == "outgoing" {
		return DirectionOutgoing
	}
	return DirectionIncoming
}
