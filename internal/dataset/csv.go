package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

const timestampLayout = "2006-01-02 15:04:05"

// Column layouts of the recorded exports, matched by header prefix.
var layouts = map[model.DeviceKind][]Field{
	model.KindFish: {
		{Type: "water_temperature", Unit: "°C", Header: "Water Temperature"},
		{Type: "ec_value", Unit: "uS/cm", Header: "EC Values", NonNegative: true},
		{Type: "tds", Unit: "mg/L", Header: "TDS", NonNegative: true},
		{Type: "turbidity", Unit: "NTU", Header: "Turbidity", NonNegative: true},
		{Type: "water_ph", Unit: "pH", Header: "Water pH", NonNegative: true},
	},
	model.KindPlant: {
		{Type: "height", Unit: "cm", Header: "Height of the Plant", NonNegative: true},
		{Type: "temperature", Unit: "°C", Header: "Plant Temperature"},
		{Type: "humidity", Unit: "%RH", Header: "Humidity", NonNegative: true},
		{Type: "pressure", Unit: "Pa", Header: "Pressure", NonNegative: true},
	},
}

// FieldsFor returns the column layout of kind.
func FieldsFor(kind model.DeviceKind) []Field {
	return layouts[kind]
}

// ParseCSV reads a recorded export. Rows come back in file order; blank or
// unparsable cells are forward-filled from the previous row, then
// back-filled for leading gaps.
func ParseCSV(kind model.DeviceKind, r io.Reader) (*Dataset, error) {
	fields, ok := layouts[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	tsCol := -1
	cols := make([]int, len(fields))
	for i := range cols {
		cols[i] = -1
	}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.EqualFold(h, "Timestamp") {
			tsCol = i
			continue
		}
		for j, f := range fields {
			if cols[j] == -1 && strings.HasPrefix(h, f.Header) {
				cols[j] = i
				break
			}
		}
	}
	for j, c := range cols {
		if c == -1 {
			return nil, fmt.Errorf("missing column %q", fields[j].Header)
		}
	}

	ds := &Dataset{Kind: kind, Fields: fields}
	var missing [][]bool
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := Row{Values: make([]float64, len(fields))}
		if tsCol >= 0 && tsCol < len(rec) {
			if ts, err := time.Parse(timestampLayout, strings.TrimSpace(rec[tsCol])); err == nil {
				row.RecordedAt = ts
			}
		}
		gaps := make([]bool, len(fields))
		for j, c := range cols {
			if c >= len(rec) {
				gaps[j] = true
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
			if err != nil {
				gaps[j] = true
				continue
			}
			row.Values[j] = v
		}
		ds.Rows = append(ds.Rows, row)
		missing = append(missing, gaps)
	}
	fillGaps(ds.Rows, missing)
	return ds, nil
}

func fillGaps(rows []Row, missing [][]bool) {
	if len(rows) == 0 {
		return
	}
	width := len(rows[0].Values)
	for j := 0; j < width; j++ {
		firstKnown := -1
		for i := range rows {
			if !missing[i][j] {
				if firstKnown == -1 {
					firstKnown = i
				}
				continue
			}
			if i > 0 && firstKnown != -1 {
				rows[i].Values[j] = rows[i-1].Values[j]
				missing[i][j] = false
			}
		}
		if firstKnown > 0 {
			for i := 0; i < firstKnown; i++ {
				rows[i].Values[j] = rows[firstKnown].Values[j]
			}
		}
	}
}
