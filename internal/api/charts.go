package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// alertSeverityChart renders a quick scatter (HTML) of alert severity over
// source time using go-echarts. This is a debugging-only endpoint (no auth)
// for eyeballing a replay's output without a frontend. Query params match
// /api/alerts filters, plus max_points (default 5000).
func (s *Server) alertSeverityChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	f, err := parseAlertFilter(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit <= 0 || f.Limit > 5000 {
		f.Limit = 5000
	}

	alerts, err := s.db.ListAlerts(f)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list alerts: %v", err))
		return
	}
	if len(alerts) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no alerts to chart")
		return
	}

	// One series per rule type, oldest first so the x axis reads naturally.
	byType := make(map[string][]opts.ScatterData)
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		byType[a.RuleType] = append(byType[a.RuleType], opts.ScatterData{
			Value: []interface{}{a.Timestamp.Format(time.RFC3339), a.Severity},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Alert Severity Timeline", Theme: "dark", Width: "1200px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Alert Severity", Subtitle: fmt.Sprintf("alerts=%d", len(alerts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "source time"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, Name: "severity", NameLocation: "middle", NameGap: 30}),
	)
	for ruleType, data := range byType {
		scatter.AddSeries(ruleType, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
