// Package progress derives completion percentage and ETA from session
// counters. Everything here is a pure function of its arguments.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// Progress is the computed progress of a session at a point in time.
type Progress struct {
	Percentage             float64 `json:"percentage"`
	RowsStreamed           int     `json:"rowsStreamed"`
	TotalRows              int     `json:"totalRows"`
	TimeRemainingMs        int64   `json:"timeRemainingMs"`
	EstimatedCompletionISO string  `json:"estimatedCompletionISO,omitempty"`
	TimeRemainingFormatted string  `json:"timeRemainingFormatted"`
	LastDataSentAgo        string  `json:"lastDataSentAgo"`
	AverageIntervalMs      int64   `json:"averageIntervalMs"`
}

// Compute returns the progress of s. nominal is the speed's tick interval,
// used until at least two ticks give an observed average.
func Compute(s *model.StreamingSession, nominal time.Duration, now time.Time) Progress {
	avg := AverageInterval(s, nominal)
	p := Progress{
		Percentage:        Percentage(s),
		RowsStreamed:      s.RowsStreamed,
		TotalRows:         s.TotalRows,
		LastDataSentAgo:   HumanizeAgo(s.LastDataSentAt, now),
		AverageIntervalMs: avg.Milliseconds(),
	}
	switch s.State() {
	case model.SessionStatusCompleted:
		p.TimeRemainingFormatted = "Complete"
		if s.LastDataSentAt != nil {
			p.EstimatedCompletionISO = s.LastDataSentAt.UTC().Format(time.RFC3339)
		}
		return p
	case model.SessionStatusFailed:
		p.TimeRemainingFormatted = "Stopped"
		return p
	}
	remaining := Remaining(s.TotalRows, s.LastRowSent, avg)
	p.TimeRemainingMs = remaining.Milliseconds()
	p.TimeRemainingFormatted = FormatRemaining(remaining)
	p.EstimatedCompletionISO = now.Add(remaining).UTC().Format(time.RFC3339)
	return p
}

// Percentage is 100*lastRowSent/totalRows clamped to [0,100], floored to one
// decimal so it only reads 100 once every row is sent.
func Percentage(s *model.StreamingSession) float64 {
	if s.TotalRows <= 0 || s.State() == model.SessionStatusCompleted {
		return 100
	}
	pct := 100 * float64(s.LastRowSent) / float64(s.TotalRows)
	pct = math.Floor(pct*10) / 10
	return math.Max(0, math.Min(100, pct))
}

// AverageInterval is the observed mean time between ticks, excluding time
// spent paused, or nominal when fewer than two ticks have happened.
func AverageInterval(s *model.StreamingSession, nominal time.Duration) time.Duration {
	if s.RowsStreamed < 2 || s.FirstDataSentAt == nil || s.LastDataSentAt == nil {
		return nominal
	}
	span := s.LastDataSentAt.Sub(*s.FirstDataSentAt) - time.Duration(s.PausedMs)*time.Millisecond
	if span <= 0 {
		return nominal
	}
	return span / time.Duration(s.RowsStreamed-1)
}

// Remaining is the time needed to send the rows after lastRowSent.
func Remaining(totalRows, lastRowSent int, interval time.Duration) time.Duration {
	rows := totalRows - lastRowSent
	if rows <= 0 {
		return 0
	}
	return time.Duration(rows) * interval
}

// ExpectedCompletion is now plus the time needed for the remaining rows.
func ExpectedCompletion(totalRows, lastRowSent int, interval time.Duration, now time.Time) time.Time {
	return now.Add(Remaining(totalRows, lastRowSent, interval))
}

// HumanizeAgo renders the coarse age of t used across the API.
func HumanizeAgo(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// FormatRemaining renders a remaining duration with its two largest units.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "Complete"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	mins := int(d % time.Hour / time.Minute)
	secs := int(d % time.Minute / time.Second)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm", mins)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
