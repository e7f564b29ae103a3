// Package telephony defines the provider-agnostic contract between the
// session manager and the real-time telephony transport. Implementations
// adapt a concrete signaling stack (SIP, a vendor SDK, a test double) to
// the same small surface so the call state machine never touches provider
// types directly.
package telephony

import (
	"context"
	"time"
)

// Credential is the provider access credential held by the device registrar.
// Token doubles as the transport secret (SIP password, vendor JWT); ExpiresAt
// is zero when the provider issues non-expiring credentials.
type Credential struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// CallHandle is a live provider call object. A handle exists from the moment
// the provider knows about the call (outbound INVITE sent, inbound offer
// received) until the call reaches a terminal state.
type CallHandle interface {
	// ID returns the provider call identifier.
	ID() string

	// Accept answers an inbound call. Calling Accept on an outbound
	// handle is an error.
	Accept(ctx context.Context) error

	// Disconnect terminates the call. Valid in any non-terminal phase;
	// pre-answer it cancels, post-answer it hangs up.
	Disconnect(ctx context.Context) error

	// Mute pauses or resumes outgoing media. Transports without a media
	// path may treat this as a no-op and return nil; the session manager
	// then flips its flag optimistically.
	Mute(ctx context.Context, muted bool) error

	// SendDigits transmits DTMF digits in-band on the active call.
	SendDigits(ctx context.Context, digits string) error
}

// EventType identifies a transport notification.
type EventType int

const (
	// EventIncoming carries a new inbound call offer.
	EventIncoming EventType = iota
	// EventRinging reports provisional progress on an outbound call.
	EventRinging
	// EventAccept reports that the remote party answered.
	EventAccept
	// EventDisconnect reports a normal remote hangup.
	EventDisconnect
	// EventCancel reports that the remote party abandoned a pre-answer call.
	EventCancel
	// EventReject reports that the remote party declined the call.
	EventReject
	// EventError reports a transport failure on the call.
	EventError
	// EventTokenWillExpire warns that the registered credential is about
	// to lapse and should be refreshed.
	EventTokenWillExpire
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventIncoming:
		return "incoming"
	case EventRinging:
		return "ringing"
	case EventAccept:
		return "accept"
	case EventDisconnect:
		return "disconnect"
	case EventCancel:
		return "cancel"
	case EventReject:
		return "reject"
	case EventError:
		return "error"
	case EventTokenWillExpire:
		return "token_will_expire"
	default:
		return "unknown"
	}
}

// Event is a single transport notification. Which fields are populated
// depends on Type: Incoming carries Handle/From/To, call-progress events
// carry CallID, Error adds Message, TokenWillExpire carries nothing.
type Event struct {
	Type    EventType
	CallID  string
	From    string
	To      string
	Handle  CallHandle
	Message string
}

// Transport is the provider signaling stack. Exactly one handler receives
// events; SetHandler must be called before Register. Events may arrive
// out of order and more than once per call; consumers are expected to
// deduplicate and treat them as at-least-once notifications.
type Transport interface {
	// SetHandler installs the event consumer.
	SetHandler(h func(Event))

	// Register binds the device identity to the provider using the
	// given credential. Re-registering with a fresh credential must not
	// disturb calls already in progress.
	Register(ctx context.Context, cred Credential) error

	// Unregister removes the device binding.
	Unregister(ctx context.Context) error

	// Connect places an outbound call to number and returns its handle.
	Connect(ctx context.Context, number string) (CallHandle, error)

	// Close releases all transport resources.
	Close() error
}

// CaptureDevice gates dialing on microphone availability. The real
// implementation asks the host audio layer; headless deployments use an
// always-available device.
type CaptureDevice interface {
	// RequestCapture acquires the microphone, returning an error when
	// permission is denied or no device exists.
	RequestCapture(ctx context.Context) error
}

// NullCaptureDevice is a CaptureDevice that always grants capture. Used
// when the agent runs without local audio hardware.
type NullCaptureDevice struct{}

// RequestCapture implements CaptureDevice.
func (NullCaptureDevice) RequestCapture(ctx context.Context) error { return nil }
