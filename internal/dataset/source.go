// Package dataset replays prerecorded sensor readings. A Source holds no
// per-session state: replay position lives in the session row and every
// call to Next reads the row at the index it is given.
package dataset

import (
	"embed"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

//go:embed data/*.csv
var embedded embed.FS

// ErrEndOfDataset is returned by Next once index reaches the dataset length.
var ErrEndOfDataset = errors.New("end of dataset")

// Jitter bounds, as a fraction of the recorded value.
const (
	MinJitter = 0.01
	MaxJitter = 0.05
)

// Field describes one numeric column of a dataset.
type Field struct {
	Type        string // reading type sent to telemetry, e.g. water_ph
	Unit        string
	Header      string // CSV header prefix
	NonNegative bool
}

// Row is one recorded sample.
type Row struct {
	RecordedAt time.Time
	Values     []float64
}

// Dataset is a finite ordered sequence of rows for one device kind.
type Dataset struct {
	Kind   model.DeviceKind
	Fields []Field
	Rows   []Row
}

// Value is one measurement of a replayed reading.
type Value struct {
	Type  string
	Value float64
	Unit  string
}

// Reading is a jittered dataset row.
type Reading struct {
	Kind       model.DeviceKind
	Index      int
	RecordedAt time.Time
	Values     []Value
}

// Source serves rows of the datasets it was built with.
type Source struct {
	mu   sync.Mutex // guards rnd
	rnd  *rand.Rand
	sets map[model.DeviceKind]*Dataset
}

// NewSource builds a source over the given datasets. A nil rnd seeds one from
// the runtime.
func NewSource(rnd *rand.Rand, sets ...*Dataset) *Source {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m := make(map[model.DeviceKind]*Dataset, len(sets))
	for _, ds := range sets {
		m[ds.Kind] = ds
	}
	return &Source{rnd: rnd, sets: m}
}

// LoadEmbedded parses the bundled fish and plant recordings.
func LoadEmbedded(rnd *rand.Rand) (*Source, error) {
	var sets []*Dataset
	for _, kind := range model.Kinds {
		f, err := embedded.Open("data/" + string(kind) + ".csv")
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", kind, err)
		}
		ds, err := ParseCSV(kind, f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", kind, err)
		}
		sets = append(sets, ds)
	}
	return NewSource(rnd, sets...), nil
}

// Len returns the number of rows recorded for kind.
func (s *Source) Len(kind model.DeviceKind) int {
	ds, ok := s.sets[kind]
	if !ok {
		return 0
	}
	return len(ds.Rows)
}

// Next returns the row at index with jitter applied.
func (s *Source) Next(kind model.DeviceKind, index int) (Reading, error) {
	ds, ok := s.sets[kind]
	if !ok {
		return Reading{}, fmt.Errorf("no dataset for kind %q", kind)
	}
	if index < 0 {
		return Reading{}, fmt.Errorf("negative dataset index %d", index)
	}
	if index >= len(ds.Rows) {
		return Reading{}, ErrEndOfDataset
	}
	row := ds.Rows[index]
	out := Reading{
		Kind:       kind,
		Index:      index,
		RecordedAt: row.RecordedAt,
		Values:     make([]Value, len(ds.Fields)),
	}
	s.mu.Lock()
	for i, f := range ds.Fields {
		out.Values[i] = Value{
			Type:  f.Type,
			Value: jitter(s.rnd, row.Values[i], f.NonNegative),
			Unit:  f.Unit,
		}
	}
	s.mu.Unlock()
	return out, nil
}

// jitter moves v by a random 1-5% of its magnitude in a random direction.
func jitter(rnd *rand.Rand, v float64, nonNegative bool) float64 {
	frac := MinJitter + rnd.Float64()*(MaxJitter-MinJitter)
	if rnd.IntN(2) == 0 {
		frac = -frac
	}
	out := v + math.Abs(v)*frac
	if nonNegative && out < 0 {
		return 0
	}
	return out
}
