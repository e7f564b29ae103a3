package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/calllog"
	"github.com/go-chi/chi/v5"
)

const (
	defaultCallLogPageSize = 50
	maxCallLogPageSize     = 200
)

type callLogsResponse struct {
	Calls      []calllog.Entry `json:"calls"`
	Stale      bool            `json:"stale"`
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
}

// handleListCallLogs returns one page of the recent calls list, optionally
// filtered by direction. Stale is true when the backend was unreachable and
// the entries came from the local cache.
func (s *Server) handleListCallLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	direction := q.Get("direction")
	switch direction {
	case "", calllog.DirectionIncoming, calllog.DirectionOutgoing:
	default:
		writeError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}

	page, err := positiveIntParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	pageSize, err := positiveIntParam(q.Get("page_size"), defaultCallLogPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page_size must be a positive integer")
		return
	}
	if pageSize > maxCallLogPageSize {
		pageSize = maxCallLogPageSize
	}

	entries, stale, err := s.logs.List(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusBadGateway, "call log unavailable")
		return
	}

	pageEntries, totalPages := calllog.Project(entries, direction, page, pageSize)
	writeJSON(w, http.StatusOK, callLogsResponse{
		Calls:      pageEntries,
		Stale:      stale,
		Page:       page,
		TotalPages: totalPages,
	})
}

// positiveIntParam parses a query parameter that must be a positive integer,
// returning def when the parameter is absent.
func positiveIntParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

// handleDeleteCallLog removes one record from the backend and the cache.
func (s *Server) handleDeleteCallLog(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call id is required")
		return
	}

	if err := s.logs.Delete(r.Context(), callID); err != nil {
		if errors.Is(err, calllog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call record not found")
			return
		}
		writeError(w, http.StatusBadGateway, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}
