package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestPercentage(t *testing.T) {
	cases := []struct {
		name   string
		s      model.StreamingSession
		expect float64
	}{
		{"empty dataset", model.StreamingSession{Status: "active"}, 100},
		{"start", model.StreamingSession{Status: "active", TotalRows: 50}, 0},
		{"half", model.StreamingSession{Status: "active", TotalRows: 50, LastRowSent: 25}, 50},
		{"floors", model.StreamingSession{Status: "active", TotalRows: 3, LastRowSent: 2}, 66.6},
		{"almost done", model.StreamingSession{Status: "active", TotalRows: 10000, LastRowSent: 9999}, 99.9},
		{"completed", model.StreamingSession{Status: "completed", TotalRows: 50, LastRowSent: 50}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Percentage(&tc.s))
		})
	}
}

func TestPercentageMonotonic(t *testing.T) {
	s := model.StreamingSession{Status: "active", TotalRows: 37}
	prev := -1.0
	for i := 0; i <= 37; i++ {
		s.LastRowSent = i
		p := Percentage(&s)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, 100.0)
		prev = p
	}
	assert.Equal(t, 100.0, prev)
}

func TestAverageIntervalFallsBackToNominal(t *testing.T) {
	s := model.StreamingSession{Status: "active", RowsStreamed: 1, FirstDataSentAt: ptr(t0), LastDataSentAt: ptr(t0)}
	assert.Equal(t, time.Minute, AverageInterval(&s, time.Minute))
}

func TestAverageIntervalSelfCorrects(t *testing.T) {
	// 11 ticks over 15 minutes: the scheduler is running at 90s, not 60s.
	s := model.StreamingSession{
		Status:          "active",
		TotalRows:       100,
		LastRowSent:     11,
		RowsStreamed:    11,
		FirstDataSentAt: ptr(t0),
		LastDataSentAt:  ptr(t0.Add(15 * time.Minute)),
	}
	assert.Equal(t, 90*time.Second, AverageInterval(&s, time.Minute))

	p := Compute(&s, time.Minute, t0.Add(15*time.Minute))
	assert.Equal(t, int64(89*90*1000), p.TimeRemainingMs)
	assert.Equal(t, "2h 13m", p.TimeRemainingFormatted)
	assert.Equal(t, "just now", p.LastDataSentAgo)
}

func TestAverageIntervalExcludesPausedTime(t *testing.T) {
	s := model.StreamingSession{
		Status:          "active",
		RowsStreamed:    3,
		FirstDataSentAt: ptr(t0),
		LastDataSentAt:  ptr(t0.Add(32 * time.Minute)),
		PausedMs:        (30 * time.Minute).Milliseconds(),
	}
	assert.Equal(t, time.Minute, AverageInterval(&s, 5*time.Second))
}

func TestComputeTerminal(t *testing.T) {
	s := model.StreamingSession{Status: "completed", TotalRows: 5, LastRowSent: 5, RowsStreamed: 5, LastDataSentAt: ptr(t0)}
	p := Compute(&s, time.Minute, t0.Add(2*time.Hour))
	assert.Equal(t, 100.0, p.Percentage)
	assert.Zero(t, p.TimeRemainingMs)
	assert.Equal(t, "Complete", p.TimeRemainingFormatted)
	assert.Equal(t, "2h ago", p.LastDataSentAgo)

	s.Status = "failed"
	s.LastRowSent = 3
	p = Compute(&s, time.Minute, t0)
	assert.Equal(t, 60.0, p.Percentage)
	assert.Equal(t, "Stopped", p.TimeRemainingFormatted)
}

func TestHumanizeAgo(t *testing.T) {
	assert.Equal(t, "never", HumanizeAgo(nil, t0))
	assert.Equal(t, "just now", HumanizeAgo(ptr(t0.Add(-59*time.Second)), t0))
	assert.Equal(t, "10m ago", HumanizeAgo(ptr(t0.Add(-10*time.Minute)), t0))
	assert.Equal(t, "3h ago", HumanizeAgo(ptr(t0.Add(-3*time.Hour-5*time.Minute)), t0))
	assert.Equal(t, "2d ago", HumanizeAgo(ptr(t0.Add(-50*time.Hour)), t0))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "Complete", FormatRemaining(0))
	assert.Equal(t, "45s", FormatRemaining(45*time.Second))
	assert.Equal(t, "12m", FormatRemaining(12*time.Minute+5*time.Second))
	assert.Equal(t, "3h 5m", FormatRemaining(3*time.Hour+5*time.Minute))
	assert.Equal(t, "2d 4h", FormatRemaining(52*time.Hour))
}
