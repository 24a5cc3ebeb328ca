package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/easysmart/iot-core/internal/audit"
)

// handleListAuditLogs serves GET /audit: the caller tenant's entries,
// newest first. Filters: action, entity_type, entity_id, source, since and
// until (RFC 3339), limit and offset.
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeInternalError(w, "audit logging not configured")
		return
	}

	filter, msg := auditFilter(r.URL.Query())
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}
	filter.TenantID = tenantOf(r)

	page, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// auditFilter parses query parameters. A non-empty message names a
// malformed parameter.
func auditFilter(q url.Values) (audit.Filter, string) {
	f := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Source:     q.Get("source"),
	}

	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return audit.Filter{}, name + " must be a non-negative integer"
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return audit.Filter{}, name + " must be an RFC 3339 timestamp"
			}
			*dst = t
		}
	}
	return f, ""
}
