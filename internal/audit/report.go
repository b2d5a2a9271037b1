package audit

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"time"
)

// ReportFormat selects the rendering of GenerateReport's output.
type ReportFormat string

const (
	ReportHTML ReportFormat = "html"
	ReportJSON ReportFormat = "json"
	ReportCSV  ReportFormat = "csv"
)

// ReportRequest parameterizes GenerateReport (spec §4.6 / SPEC_FULL.md §3.4
// "audit report with category analysis").
type ReportRequest struct {
	WindowHours            int
	Format                 ReportFormat
	IncludeCategoryAnalysis bool
}

// Report is the aggregate summary over a time window, serialized directly
// for ReportJSON or fed into the html/template for ReportHTML.
type Report struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	WindowHours      int            `json:"window_hours"`
	TotalEvents      int            `json:"total_events"`
	FailureCount     int            `json:"failure_count"`
	AverageRiskScore float64        `json:"average_risk_score"`
	HighRiskCount    int            `json:"high_risk_count"`
	ByEventType      map[string]int `json:"by_event_type"`
	ByUser           map[string]int `json:"by_user"`
	ByHourOfDay      map[int]int    `json:"by_hour_of_day"`
	ComplianceFlags  map[string]int `json:"compliance_flags,omitempty"`
	Categories       map[string]int `json:"categories,omitempty"`
}

// GenerateReport aggregates the events recorded within the last
// req.WindowHours and renders them in the requested format.
func (s *Sink) GenerateReport(req ReportRequest) ([]byte, error) {
	if req.WindowHours <= 0 {
		req.WindowHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(req.WindowHours) * time.Hour)

	rows, err := s.db.Query(`
SELECT timestamp, event_type, user_id, risk_score, success, compliance_flags, category
FROM audit_events WHERE timestamp >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("audit: query report window: %w", err)
	}
	defer rows.Close()

	report := Report{
		GeneratedAt: time.Now().UTC(),
		WindowHours: req.WindowHours,
		ByEventType: map[string]int{},
		ByUser:      map[string]int{},
		ByHourOfDay: map[int]int{},
	}
	if req.IncludeCategoryAnalysis {
		report.ComplianceFlags = map[string]int{}
		report.Categories = map[string]int{}
	}

	var riskSum int
	for rows.Next() {
		var (
			ts         time.Time
			eventType  string
			userID     sql.NullString
			riskScore  int
			success    bool
			flagsJSON  sql.NullString
			category   sql.NullString
		)
		if err := rows.Scan(&ts, &eventType, &userID, &riskScore, &success, &flagsJSON, &category); err != nil {
			return nil, fmt.Errorf("audit: scan report row: %w", err)
		}

		report.TotalEvents++
		report.ByEventType[eventType]++
		report.ByHourOfDay[ts.Hour()]++
		riskSum += riskScore
		if riskScore >= 70 {
			report.HighRiskCount++
		}
		if !success {
			report.FailureCount++
		}
		if userID.Valid && userID.String != "" {
			report.ByUser[userID.String]++
		}

		if req.IncludeCategoryAnalysis {
			if category.Valid && category.String != "" {
				report.Categories[category.String]++
			}
			if flagsJSON.Valid && flagsJSON.String != "" {
				var flags []string
				if err := json.Unmarshal([]byte(flagsJSON.String), &flags); err == nil {
					for _, f := range flags {
						report.ComplianceFlags[f]++
					}
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if report.TotalEvents > 0 {
		report.AverageRiskScore = float64(riskSum) / float64(report.TotalEvents)
	}

	switch req.Format {
	case ReportCSV:
		return renderCSV(report)
	case ReportHTML:
		return renderHTML(report)
	default:
		return json.MarshalIndent(report, "", "  ")
	}
}

func renderCSV(r Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"event_type", "count"})
	for k, v := range r.ByEventType {
		_ = w.Write([]string{k, fmt.Sprintf("%d", v)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var reportTemplate = template.Must(template.New("audit_report").Parse(`<!DOCTYPE html>
<html>
<head><title>Audit Report</title></head>
<body>
<h1>Audit Report</h1>
<p>Generated: {{.GeneratedAt}}</p>
<p>Window: {{.WindowHours}}h</p>
<p>Total events: {{.TotalEvents}}</p>
<p>Failures: {{.FailureCount}}</p>
<p>Average risk score: {{printf "%.1f" .AverageRiskScore}}</p>
<p>High risk events: {{.HighRiskCount}}</p>
<h2>By event type</h2>
<ul>{{range $k, $v := .ByEventType}}<li>{{$k}}: {{$v}}</li>{{end}}</ul>
<h2>By user</h2>
<ul>{{range $k, $v := .ByUser}}<li>{{$k}}: {{$v}}</li>{{end}}</ul>
</body>
</html>`))

func renderHTML(r Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetRealtimeStats reports cheap counters over the last hour, suitable for
// polling from a dashboard without scanning the full event history (spec
// §4.6).
type RealtimeStats struct {
	EventsLastHour   int     `json:"events_last_hour"`
	FailuresLastHour int     `json:"failures_last_hour"`
	HighRiskLastHour int     `json:"high_risk_last_hour"`
	AverageRiskScore float64 `json:"average_risk_score"`
	QueueDepth       int     `json:"queue_depth"`
	Dropped          int64   `json:"dropped"`
	UptimeHours      float64 `json:"uptime_hours"`
}

func (s *Sink) GetRealtimeStats() (RealtimeStats, error) {
	since := time.Now().UTC().Add(-time.Hour)
	row := s.db.QueryRow(`
SELECT COUNT(*),
       SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
       SUM(CASE WHEN risk_score >= 70 THEN 1 ELSE 0 END),
       COALESCE(AVG(risk_score), 0)
FROM audit_events WHERE timestamp >= ?`, since)

	var stats RealtimeStats
	var failures, highRisk sql.NullInt64
	var avg sql.NullFloat64
	if err := row.Scan(&stats.EventsLastHour, &failures, &highRisk, &avg); err != nil {
		return RealtimeStats{}, fmt.Errorf("audit: query realtime stats: %w", err)
	}
	stats.FailuresLastHour = int(failures.Int64)
	stats.HighRiskLastHour = int(highRisk.Int64)
	stats.AverageRiskScore = avg.Float64
	stats.QueueDepth = len(s.ch)
	stats.Dropped = s.dropped.Load()
	stats.UptimeHours = time.Since(s.startedAt).Hours()
	return stats, nil
}

// ListFilter narrows ListEvents beyond the time window.
type ListFilter struct {
	Before    time.Time
	After     time.Time
	UserID    string
	EventType EventType
	Limit     int
}

// ListEvents queries the embedded store directly, newest first.
func (s *Sink) ListEvents(f ListFilter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `SELECT id, timestamp, event_type, level, user_id, session_id, ip_address, user_agent,
resource, action, details, success, risk_score, compliance_flags, category, data_hash,
response_time_ms, error_message FROM audit_events WHERE 1=1`
	var args []any
	if !f.After.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.After)
	}
	if !f.Before.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Before)
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.EventType))
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			userID    sql.NullString
			sessionID sql.NullString
			ip        sql.NullString
			ua        sql.NullString
			resource  sql.NullString
			details   sql.NullString
			flags     sql.NullString
			category  sql.NullString
			dataHash  sql.NullString
			errMsg    sql.NullString
			eventType string
			level     string
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &eventType, &level, &userID, &sessionID, &ip, &ua,
			&resource, &ev.Action, &details, &ev.Success, &ev.RiskScore, &flags, &category, &dataHash,
			&ev.ResponseTimeMs, &errMsg); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.EventType = EventType(eventType)
		ev.Level = Level(level)
		ev.UserID = userID.String
		ev.SessionID = sessionID.String
		ev.IPAddress = ip.String
		ev.UserAgent = ua.String
		ev.Resource = resource.String
		ev.Category = category.String
		ev.DataHash = dataHash.String
		ev.ErrorMessage = errMsg.String
		if details.Valid {
			ev.Details = json.RawMessage(details.String)
		}
		if flags.Valid && flags.String != "" {
			_ = json.Unmarshal([]byte(flags.String), &ev.ComplianceFlags)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
