package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/admission"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/session"
)

// maxBodyBytes limits request bodies; control requests are tiny.
const maxBodyBytes = 4 << 10

// activeCallResponse pairs the session snapshot with the pending inbound
// offer, if one is ringing.
type activeCallResponse struct {
	Call    session.Snapshot   `json:"call"`
	Ringing *admission.Pending `json:"ringing,omitempty"`
}

// handleActiveCall returns the current call state and any ringing offer.
func (s *Server) handleActiveCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, activeCallResponse{
		Call:    s.calls.Snapshot(),
		Ringing: s.incoming.Pending(),
	})
}

type dialRequest struct {
	Number string `json:"number"`
}

// handleDial places an outbound call. An empty number dials the buffered
// digits accumulated via POST /v1/call/digits while idle.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	snap, err := s.calls.Dial(r.Context(), req.Number)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAnswer accepts the pending inbound offer.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.incoming.Accept(r.Context()); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleReject declines the pending inbound offer.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.incoming.Reject(r.Context()); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

// handleHangup ends the active call.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Hangup(r.Context())
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleMute toggles the microphone on the connected call.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.ToggleMute(r.Context())
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

// handleDigits sends DTMF digits on a connected call, or buffers them for
// the next dial when no call is active.
func (s *Server) handleDigits(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Digits == "" {
		writeError(w, http.StatusBadRequest, "digits is required")
		return
	}

	snap, err := s.calls.SendDigits(r.Context(), req.Digits)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleClearDigits discards the buffered dial digits.
func (s *Server) handleClearDigits(w http.ResponseWriter, r *http.Request) {
	s.calls.ClearDialBuffer()
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// decodeBody parses a JSON request body into dst. Writes a 400 and returns
// false when the body is malformed. An empty body decodes to zero values.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeCallError maps domain errors to HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidNumber):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrMediaPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrNoActiveCall),
		errors.Is(err, admission.ErrNoPendingOffer):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, admission.ErrOfferUnanswerable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotRegistered):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
