package dataset

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

func seeded() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestLoadEmbedded(t *testing.T) {
	src, err := LoadEmbedded(seeded())
	require.NoError(t, err)
	for _, kind := range model.Kinds {
		assert.Greater(t, src.Len(kind), 100, kind)
		r, err := src.Next(kind, 0)
		require.NoError(t, err)
		assert.Len(t, r.Values, len(FieldsFor(kind)))
		assert.False(t, r.RecordedAt.IsZero())
	}
}

func TestNextEndOfDataset(t *testing.T) {
	src := NewSource(seeded(), &Dataset{
		Kind:   model.KindFish,
		Fields: FieldsFor(model.KindFish),
		Rows:   []Row{{Values: []float64{24, 400, 250, 4, 7}}},
	})
	_, err := src.Next(model.KindFish, 0)
	require.NoError(t, err)
	_, err = src.Next(model.KindFish, 1)
	assert.ErrorIs(t, err, ErrEndOfDataset)
	_, err = src.Next(model.KindPlant, 0)
	assert.Error(t, err)
	_, err = src.Next(model.KindFish, -1)
	assert.Error(t, err)
}

func TestJitterBounds(t *testing.T) {
	rnd := seeded()
	for i := 0; i < 2000; i++ {
		v := jitter(rnd, 100, true)
		delta := v - 100
		if delta < 0 {
			delta = -delta
		}
		assert.GreaterOrEqual(t, delta, 100*MinJitter-0.001)
		assert.LessOrEqual(t, delta, 100*MaxJitter+0.001)
	}
}

func TestJitterMovesSmallValues(t *testing.T) {
	rnd := seeded()
	for _, v := range []float64{0.04, 0.002, 0.0001} {
		for i := 0; i < 200; i++ {
			got := jitter(rnd, v, true)
			assert.NotEqual(t, v, got)
			rel := math.Abs(got-v) / v
			assert.GreaterOrEqual(t, rel, MinJitter-1e-9)
			assert.LessOrEqual(t, rel, MaxJitter+1e-9)
		}
	}
}

func TestJitterNeverNegativeForNonNegativeFields(t *testing.T) {
	rnd := seeded()
	for i := 0; i < 500; i++ {
		assert.GreaterOrEqual(t, jitter(rnd, 0, true), 0.0)
		assert.GreaterOrEqual(t, jitter(rnd, 0.0001, true), 0.0)
	}
	// Signed fields keep their sign: -10 moves by at most 5%.
	v := jitter(rnd, -10, false)
	assert.InDelta(t, -10, v, 0.5+0.001)
}

func TestReplayIsRestartable(t *testing.T) {
	src, err := LoadEmbedded(seeded())
	require.NoError(t, err)
	a, err := src.Next(model.KindPlant, 7)
	require.NoError(t, err)
	b, err := src.Next(model.KindPlant, 7)
	require.NoError(t, err)
	assert.Equal(t, a.RecordedAt, b.RecordedAt)
	assert.Equal(t, a.Index, b.Index)
	for i := range a.Values {
		assert.InEpsilon(t, a.Values[i].Value, b.Values[i].Value, 0.11, a.Values[i].Type)
	}
}

func TestParseCSVFillsGaps(t *testing.T) {
	in := "\ufeffTimestamp,Height of the Plant(cm),Plant Temperature(°C),Humidity(RH),Pressure(Pa)\n" +
		"2024-03-01 00:00:00,,25.1,70,101300\n" +
		"2024-03-01 05:00:00,4.2,n/a,71,101310\n" +
		"2024-03-01 10:00:00,4.4,26.0,,101320\n"
	ds, err := ParseCSV(model.KindPlant, strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, ds.Rows, 3)
	assert.Equal(t, 4.2, ds.Rows[0].Values[0], "leading gap back-filled")
	assert.Equal(t, 25.1, ds.Rows[1].Values[1], "gap forward-filled")
	assert.Equal(t, 71.0, ds.Rows[2].Values[2])
	assert.Equal(t, 5, ds.Rows[1].RecordedAt.Hour())
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := ParseCSV(model.KindFish, strings.NewReader("Timestamp,Water pH\n2024-03-01 00:00:00,7\n"))
	assert.Error(t, err)
}
