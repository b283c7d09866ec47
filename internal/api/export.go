package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-data/aiswatch/internal/monitoring"
	"github.com/aegis-data/aiswatch/internal/security"
)

// exportAlerts streams matching alerts as a CSV download. It accepts the
// same query parameters as /api/alerts; without a limit the whole result set
// is exported.
func (s *Server) exportAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	f, err := parseAlertFilter(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := s.db.ListAlerts(f)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list alerts: %v", err))
		return
	}

	// Filter values show up in the suggested filename; sanitize anything
	// client-supplied.
	name := "alerts"
	if f.RuleType != "" {
		name += "-" + security.SanitizeFilename(f.RuleType)
	}
	if f.MMSI != "" {
		name += "-" + security.SanitizeFilename(f.MMSI)
	}
	filename := fmt.Sprintf("%s-%s.csv", name, time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "mmsi", "timestamp", "rule_type", "severity", "status", "summary", "notes", "evidence"}); err != nil {
		monitoring.Logf("alert export aborted: %v", err)
		return
	}
	for _, a := range alerts {
		notes := ""
		if a.Notes != nil {
			notes = *a.Notes
		}
		row := []string{
			strconv.FormatInt(a.ID, 10),
			a.MMSI,
			a.Timestamp.Format(time.RFC3339),
			a.RuleType,
			strconv.FormatInt(a.Severity, 10),
			a.Status,
			a.Summary,
			notes,
			a.Evidence,
		}
		if err := cw.Write(row); err != nil {
			monitoring.Logf("alert export aborted: %v", err)
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		monitoring.Logf("alert export flush failed: %v", err)
	}
}
