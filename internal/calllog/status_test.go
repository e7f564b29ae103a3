package calllog

import "testing"

func TestDisplayStatus(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"completed", "accepted"},
		{"initiated", "ringing"},
		{"no-answer", "missed"},
		{"canceled", "canceled"},
		{"failed", "failed"},
		{"busy", "busy"},
		{"Completed", "accepted"},
		{" no-answer ", "missed"},
		// Unknown statuses pass through untouched.
		{"queued", "queued"},
		{"in-progress", "in-progress"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := DisplayStatus(tt.provider); got != tt.want {
			t.Errorf("DisplayStatus(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestDisplayDirection(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"inbound", DirectionIncoming},
		{"outbound-api", DirectionOutgoing},
		{"outbound-dial", DirectionOutgoing},
		{"outbound", DirectionOutgoing},
		{"OUTGOING", DirectionOutgoing},
		{"", DirectionIncoming},
		{"trunking-terminating", DirectionIncoming},
	}

	for _, tt := range tests {
		if got := DisplayDirection(tt.provider); got != tt.want {
			t.Errorf("DisplayDirection(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}
