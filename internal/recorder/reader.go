package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// SampleRow is one line of a samples CSV.
type SampleRow struct {
	Time     float64
	PacketID uint8
	Index    int64
	Value    uint16
}

// BeatRow is one line of a beats CSV. Reference annotation files use the
// same layout, so both detected and annotated peaks load through it.
type BeatRow struct {
	Index    int64
	Value    float64
	BPM      float64
	Time     float64
	PacketID uint8
}

// ReadSamples loads a samples CSV written by a Recorder.
func ReadSamples(path string) ([]SampleRow, error) {
	records, err := readCSV(path, len(SamplesHeader))
	if err != nil {
		return nil, err
	}
	out := make([]SampleRow, 0, len(records))
	for i, rec := range records {
		var (
			row SampleRow
			p   fieldParser
		)
		row.Time = p.float(rec[0])
		row.PacketID = uint8(p.uint(rec[1], 8))
		row.Index = p.int(rec[2])
		row.Value = uint16(p.uint(rec[3], 16))
		if p.err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, p.err)
		}
		out = append(out, row)
	}
	return out, nil
}

// ReadBeats loads a beats CSV. Only the index column is required; missing
// trailing columns read as zero.
func ReadBeats(path string) ([]BeatRow, error) {
	records, err := readCSV(path, 1)
	if err != nil {
		return nil, err
	}
	out := make([]BeatRow, 0, len(records))
	for i, rec := range records {
		var (
			row BeatRow
			p   fieldParser
		)
		row.Index = p.int(rec[0])
		if len(rec) > 1 {
			row.Value = p.float(rec[1])
		}
		if len(rec) > 2 {
			row.BPM = p.float(rec[2])
		}
		if len(rec) > 3 {
			row.Time = p.float(rec[3])
		}
		if len(rec) > 4 {
			row.PacketID = uint8(p.uint(rec[4], 8))
		}
		if p.err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, p.err)
		}
		out = append(out, row)
	}
	return out, nil
}

// readCSV returns the data rows after the header.
func readCSV(path string, minFields int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: missing header", path)
		}
		return nil, err
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i, rec := range records {
		if len(rec) < minFields {
			return nil, fmt.Errorf("%s line %d: want %d fields, got %d", path, i+2, minFields, len(rec))
		}
	}
	return records, nil
}

// fieldParser keeps the first conversion error.
type fieldParser struct {
	err error
}

func (p *fieldParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) int(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) uint(s string, bits int) uint64 {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}
