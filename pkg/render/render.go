// Package render builds notification bodies and report files from stored
// detections.
package render

import (
	"bytes"
	"embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/pathfinder/pathfinder/pkg/model"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04 MST"
	missing    = "N/A"
)

//go:embed templates/*.liquid
var templateFS embed.FS

const (
	tplDigestEmail = "digest_email.html.liquid"
	tplDigestTeams = "digest_teams.md.liquid"
	tplAlertEmail  = "alert_email.html.liquid"
	tplReport      = "report.html.liquid"
)

// CSVHeader is the column order of monthly report exports.
var CSVHeader = []string{
	"User ID", "Username", "Title", "Seniority Level", "Country", "Company", "Joined At", "First Detected At",
}

type Renderer struct {
	engine    *liquid.Engine
	templates map[string]*liquid.Template
}

// New parses the embedded templates once. Renderers are safe for concurrent
// use.
func New() (*Renderer, error) {
	r := &Renderer{
		engine:    liquid.NewEngine(),
		templates: make(map[string]*liquid.Template),
	}
	for _, name := range []string{tplDigestEmail, tplDigestTeams, tplAlertEmail, tplReport} {
		source, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		tpl, err := r.engine.ParseTemplate(source)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = tpl
	}
	return r, nil
}

func (r *Renderer) render(name string, bindings map[string]interface{}) (string, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %s", name)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

func DigestSubject(p model.DigestPayload) string {
	return fmt.Sprintf("Weekly Senior Executive Digest: %s - %s", p.WeekStart.Format(dateLayout), lastDay(p.WeekEnd).Format(dateLayout))
}

func (r *Renderer) DigestEmail(p model.DigestPayload) (string, error) {
	return r.render(tplDigestEmail, digestBindings(p))
}

func (r *Renderer) DigestTeams(p model.DigestPayload) (string, error) {
	return r.render(tplDigestTeams, digestBindings(p))
}

func AlertSubject(m model.DetectionMessage) string {
	if m.Kind == "promotion" {
		return "Senior Executive Promoted: " + orNA(m.Username)
	}
	return "Senior Executive Detected: " + orNA(m.Username)
}

func (r *Renderer) AlertEmail(m model.DetectionMessage) (string, error) {
	return r.render(tplAlertEmail, map[string]interface{}{
		"username":      orNA(m.Username),
		"title":         orNA(m.Title),
		"level":         strings.ToUpper(m.Level),
		"kind":          m.Kind,
		"company":       orNA(m.Company),
		"country":       orNA(m.Country),
		"detected_at":   m.DetectedAt.UTC().Format(timeLayout),
		"rules_version": m.RulesVersion,
	})
}

// ReportHTML renders the monthly report page for the report row and the
// detections of its period.
func (r *Renderer) ReportHTML(report model.Report, summary model.ReportSummary, detections []model.Detection) (string, error) {
	type countryCount struct {
		Name  string
		Count int
	}
	countries := make([]countryCount, 0, len(summary.Countries))
	for name, count := range summary.Countries {
		countries = append(countries, countryCount{name, count})
	}
	sort.Slice(countries, func(i, j int) bool {
		if countries[i].Count != countries[j].Count {
			return countries[i].Count > countries[j].Count
		}
		return countries[i].Name < countries[j].Name
	})
	countryRows := make([]map[string]interface{}, 0, len(countries))
	for _, c := range countries {
		countryRows = append(countryRows, map[string]interface{}{"name": c.Name, "count": c.Count})
	}

	rows := make([]map[string]interface{}, 0, len(detections))
	for _, d := range detections {
		record := detectionRecord(d)
		rows = append(rows, map[string]interface{}{
			"user_id":     record[0],
			"username":    record[1],
			"title":       record[2],
			"level":       record[3],
			"country":     record[4],
			"company":     record[5],
			"joined_at":   record[6],
			"detected_at": record[7],
		})
	}

	return r.render(tplReport, map[string]interface{}{
		"month":         report.MonthLabel,
		"period_start":  report.PeriodStart.Format(dateLayout),
		"period_end":    lastDay(report.PeriodEnd).Format(dateLayout),
		"rules_version": orNA(report.RulesVersion),
		"total":         summary.Total,
		"csuite":        summary.CSuite,
		"vp":            summary.VP,
		"countries":     countryRows,
		"detections":    rows,
	})
}

// ReportCSV writes one row per detection with N/A for unknown values.
func ReportCSV(detections []model.Detection) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, err
	}
	for _, d := range detections {
		if err := w.Write(detectionRecord(d)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func detectionRecord(d model.Detection) []string {
	joined := missing
	if d.JoinedAt != nil {
		joined = d.JoinedAt.UTC().Format(dateLayout)
	}
	return []string{
		d.UserID,
		orNA(d.Username),
		orNA(d.Title),
		strings.ToUpper(string(d.SeniorityLevel)),
		orNA(d.Country),
		orNA(d.Company),
		joined,
		d.DetectedAt.UTC().Format(time.RFC3339),
	}
}

func digestBindings(p model.DigestPayload) map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(p.Detections))
	for _, d := range p.Detections {
		rows = append(rows, map[string]interface{}{
			"username":    orNA(d.Username),
			"title":       orNA(d.Title),
			"level":       strings.ToUpper(d.Level),
			"country":     orNA(d.Country),
			"company":     orNA(d.Company),
			"detected_at": d.DetectedAt.UTC().Format(dateLayout),
		})
	}
	return map[string]interface{}{
		"week_start":  p.WeekStart.Format(dateLayout),
		"week_end":    lastDay(p.WeekEnd).Format(dateLayout),
		"total_count": p.TotalCount,
		"detections":  rows,
	}
}

// lastDay turns an exclusive period end at midnight into the last included
// day.
func lastDay(end time.Time) time.Time {
	if end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 && end.Nanosecond() == 0 {
		return end.AddDate(0, 0, -1)
	}
	return end
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return missing
	}
	return s
}
