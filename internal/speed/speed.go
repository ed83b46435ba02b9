// Package speed holds the streaming speed table shared by the scheduler
// adapter (cron expression pushed to the provider) and the progress
// calculator (nominal interval between ticks).
package speed

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
)

// BaseInterval is the tick interval at 1x.
const BaseInterval = time.Minute

// DefaultName is the speed new environments start with.
const DefaultName = "1x"

// Config is one row of the speed table.
type Config struct {
	Name       string        `json:"name"`
	Multiplier int           `json:"multiplier"`
	Cron       string        `json:"cron"`
	Interval   time.Duration `json:"interval"`
}

// IntervalMs returns the nominal tick interval in milliseconds.
func (c Config) IntervalMs() int64 { return c.Interval.Milliseconds() }

// The provider accepts seconds-resolution cron expressions.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var table = mustBuild([]struct {
	name string
	expr string
}{
	{"1x", "0 * * * * *"},
	{"2x", "*/30 * * * * *"},
	{"5x", "*/12 * * * * *"},
	{"10x", "*/6 * * * * *"},
	{"20x", "*/3 * * * * *"},
})

func mustBuild(rows []struct {
	name string
	expr string
}) []Config {
	out := make([]Config, 0, len(rows))
	for _, r := range rows {
		iv, err := IntervalOf(r.expr)
		if err != nil {
			panic(fmt.Sprintf("speed %s: %v", r.name, err))
		}
		out = append(out, Config{
			Name:       r.name,
			Multiplier: int(BaseInterval / iv),
			Cron:       r.expr,
			Interval:   iv,
		})
	}
	return out
}

// IntervalOf parses a seconds-resolution cron expression and returns the
// distance between two consecutive firings.
func IntervalOf(expr string) (time.Duration, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := sched.Next(ref)
	second := sched.Next(first)
	return second.Sub(first), nil
}

// Lookup returns the table row for name.
func Lookup(name string) (Config, error) {
	for _, c := range table {
		if c.Name == name {
			return c, nil
		}
	}
	return Config{}, fmt.Errorf("%w: %q", errs.ErrInvalidSpeed, name)
}

// MustLookup is Lookup for names that were validated on write; unknown
// names fall back to the default speed.
func MustLookup(name string) Config {
	c, err := Lookup(name)
	if err != nil {
		return table[0]
	}
	return c
}

// All returns a copy of the speed table ordered from slowest to fastest.
func All() []Config {
	out := make([]Config, len(table))
	copy(out, table)
	return out
}
