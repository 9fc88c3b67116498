package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/otel"
	"github.com/dativo-io/memguard/internal/requestctx"
	"github.com/dativo-io/memguard/internal/seal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func listLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// entryView is what callers see of an entry. Content is always the
// displayable form, never raw content of a non-VALIDATED entry.
type entryView struct {
	ID              string            `json:"id"`
	MemoryID        string            `json:"memory_id"`
	TrustLevel      memory.TrustLevel `json:"trust_level"`
	Content         string            `json:"content"`
	QueuedAt        time.Time         `json:"queued_at"`
	LastValidatedAt *time.Time        `json:"last_validated_at,omitempty"`
}

func newEntryView(e *memory.Entry) entryView {
	v := entryView{
		ID:         e.ID,
		MemoryID:   e.MemoryID,
		TrustLevel: e.TrustLevel(),
		Content:    memory.GetDisplayableContent(e),
		QueuedAt:   e.QueuedAt,
	}
	if at, ok := e.LastValidatedAt(); ok {
		v.LastValidatedAt = &at
	}
	return v
}

// patternView describes a sealed pattern without its ciphertext.
type patternView struct {
	Ref       string `json:"ref"`
	Algorithm string `json:"algorithm"`
	Severity  string `json:"severity"`
}

type adminEntryView struct {
	entryView
	Patterns []patternView    `json:"patterns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newAdminEntryView(e *memory.Entry) adminEntryView {
	v := adminEntryView{entryView: newEntryView(e), Metadata: e.Metadata}
	for _, p := range e.EncryptedPatterns() {
		v.Patterns = append(v.Patterns, patternView{Ref: p.Ref, Algorithm: p.Algorithm, Severity: p.Severity.String()})
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"memory_store": "ok",
			"audit_store":  "ok",
			"admin_api":    "enabled",
		}
		if s.entries == nil {
			components["memory_store"] = "disabled"
		}
		if s.audit == nil {
			components["audit_store"] = "disabled"
		}
		if s.adminKey == "" {
			components["admin_api"] = "disabled"
		}
		if s.sealing != "" {
			components["sealing"] = s.sealing
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type createEntryRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleEntryCreate(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")
	var req createEntryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxEntryBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	e := memory.NewEntry(memoryID, req.Content)
	for k, v := range req.Metadata {
		e.Metadata[k] = v
	}
	if err := s.entries.Create(r.Context(), e); err != nil {
		log.Error().Err(err).Str("memory_id", memoryID).Func(otel.LogScopeFields(r.Context())).Msg("entry_create_error")
		writeError(w, http.StatusInternalServerError, "internal", "could not store entry")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.EntryAttributes(e.ID, memoryID, string(e.TrustLevel()))...)
	writeJSON(w, http.StatusAccepted, newEntryView(e))
}

func (s *Server) handleMemoryEntries(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")
	entries, err := s.entries.ListByMemory(r.Context(), memoryID, listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memory_id": memoryID,
		"entries":   views,
	})
}

func (s *Server) loadEntry(w http.ResponseWriter, r *http.Request) (*memory.Entry, bool) {
	id := chi.URLParam(r, "id")
	e, err := s.entries.Get(r.Context(), id)
	if errors.Is(err, memory.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "entry not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return nil, false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.EntryAttributes(e.ID, e.MemoryID, string(e.TrustLevel()))...)
	return e, true
}

func (s *Server) handleEntryContent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEntry(w, r)
	if !ok {
		return
	}
	content := memory.GetDisplayableContent(e)
	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.html.Sanitize(content)))
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(e))
}

// handleDecrypt serves both surfaces. Under the serving group the request
// context makes the gate deny and audit every attempt.
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEntry(w, r)
	if !ok {
		return
	}
	ref := chi.URLParam(r, "ref")
	d := memory.RequestPatternDecryption(r.Context(), s.gate, e, ref)

	ec, _ := requestctx.From(r.Context())
	trace.SpanFromContext(r.Context()).SetAttributes(
		otel.DecisionAttributes(ref, string(ec.Origin), d.Outcome.String(), d.Reason)...)

	if !d.Granted() {
		status := http.StatusForbidden
		switch d.Reason {
		case seal.ReasonPatternNotFound:
			status = http.StatusNotFound
		case seal.ReasonIntegrity:
			status = http.StatusUnprocessableEntity
		case seal.ReasonAuditUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"error":    "decryption_denied",
			"reason":   d.Reason,
			"audit_id": d.AuditID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"entry_id":    e.ID,
		"pattern_ref": ref,
		"plaintext":   string(d.Plaintext),
		"audit_id":    d.AuditID,
	})
}

// handleAdminEntries lists by memory_id when given, otherwise by
// trust_level (FLAGGED when omitted).
func (s *Server) handleAdminEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		entries []*memory.Entry
		err     error
	)
	if memoryID := q.Get("memory_id"); memoryID != "" {
		entries, err = s.entries.ListByMemory(r.Context(), memoryID, listLimit(r))
	} else {
		level := memory.TrustFlagged
		if raw := q.Get("trust_level"); raw != "" {
			level, err = memory.ParseTrustLevel(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}
		entries, err = s.entries.ListEntriesByTrustLevel(r.Context(), level, listLimit(r))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]adminEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newAdminEntryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": views})
}

func (s *Server) handleAdminEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newAdminEntryView(e))
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := evidence.Filter{
		EntryID: q.Get("entry_id"),
		Outcome: evidence.Outcome(q.Get("outcome")),
		Limit:   listLimit(r),
	}
	if v := q.Get("from"); v != "" {
		f.From, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		f.To, _ = time.Parse(time.RFC3339, v)
	}
	records, err := s.audit.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if records == nil {
		records = []evidence.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.audit.Verify(r.Context(), id)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "audit record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.entries.HealthStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	counts, err := s.audit.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": report,
		"decryptions": map[string]int{
			"granted": counts[evidence.OutcomeGranted],
			"denied":  counts[evidence.OutcomeDenied],
		},
	})
}
