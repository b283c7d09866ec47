// Package ingest decodes AIS position reports from delimited text files,
// transparently decompressing zstd inputs. It produces a lazy sequence of
// typed points in either streaming (chunked) or buffered mode.
package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/aegis-data/aiswatch/internal/ais"
	"github.com/aegis-data/aiswatch/internal/monitoring"
)

// ErrMissingColumns is returned when the header lacks one of the required
// columns (mmsi, timestamp, lat, lon).
var ErrMissingColumns = errors.New("data file missing required columns")

// DefaultChunkSize is the number of rows yielded per streaming chunk when the
// caller does not specify one.
const DefaultChunkSize = 10000

// Column aliases, matched case-insensitively against the header row.
var columnAliases = map[string][]string{
	"mmsi":      {"mmsi"},
	"timestamp": {"timestamp", "base_date_time", "basedatetime", "time"},
	"lat":       {"lat", "latitude"},
	"lon":       {"lon", "longitude"},
	"sog":       {"sog"},
	"cog":       {"cog"},
	"heading":   {"heading"},
}

// Reader streams AIS points from a single input file. It is not safe for
// concurrent use; the replay driver owns it for the lifetime of a session.
type Reader struct {
	path      string
	file      *os.File
	zr        *zstd.Decoder
	csvr      *csv.Reader    // set for comma-delimited inputs
	scanner   *bufio.Scanner // set for tab/space-delimited inputs
	cols      map[string]int // canonical name -> field index
	chunkSize int
	skipped   int64
	done      bool
}

// Open opens path, sets up decompression and delimiter handling from its
// suffixes, and consumes the header row. Recognised suffixes: .csv, .dat,
// .csv.zst, .dat.zst. A missing required column fails here, before any point
// is yielded.
func Open(path string, chunkSize int) (*Reader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	r := &Reader{path: path, file: f, chunkSize: chunkSize}

	name := path
	var src io.Reader = f
	if strings.EqualFold(filepath.Ext(name), ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		r.zr = zr
		src = zr
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".dat":
		sc := bufio.NewScanner(src)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		r.scanner = sc
	default:
		// .csv and anything unrecognised parse as comma-delimited.
		cr := csv.NewReader(src)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		r.csvr = cr
	}

	if err := r.readHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// readHeader reads the first non-empty row and resolves column aliases.
func (r *Reader) readHeader() error {
	for {
		fields, err := r.nextRow()
		if err == io.EOF {
			return fmt.Errorf("%w: empty file %s", ErrMissingColumns, r.path)
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if len(fields) == 0 {
			continue
		}

		cols := make(map[string]int, len(columnAliases))
		for i, name := range fields {
			name = strings.ToLower(strings.TrimSpace(name))
			for canonical, aliases := range columnAliases {
				if _, taken := cols[canonical]; taken {
					continue
				}
				for _, alias := range aliases {
					if name == alias {
						cols[canonical] = i
						break
					}
				}
			}
		}

		var missing []string
		for _, required := range []string{"mmsi", "timestamp", "lat", "lon"} {
			if _, ok := cols[required]; !ok {
				missing = append(missing, required)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %v (header: %v)", ErrMissingColumns, missing, fields)
		}

		r.cols = cols
		return nil
	}
}

// nextRow returns the fields of the next row, or io.EOF at end of input.
// Blank lines yield an empty slice.
func (r *Reader) nextRow() ([]string, error) {
	if r.csvr != nil {
		fields, err := r.csvr.Read()
		if err != nil {
			return nil, err
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			return nil, nil
		}
		return fields, nil
	}

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := strings.TrimRight(r.scanner.Text(), "\r")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	// .dat rows are tab-delimited; fall back to runs of spaces when the row
	// carries no tabs.
	if strings.ContainsRune(line, '\t') {
		return strings.Split(line, "\t"), nil
	}
	return strings.Fields(line), nil
}

// NextChunk returns up to chunkSize points. It returns io.EOF (possibly with a
// non-empty final chunk) when the input is exhausted. Rows whose required
// fields fail to parse are skipped and counted.
func (r *Reader) NextChunk() ([]ais.Point, error) {
	if r.done {
		return nil, io.EOF
	}

	pts := make([]ais.Point, 0, r.chunkSize)
	for len(pts) < r.chunkSize {
		fields, err := r.nextRow()
		if err == io.EOF {
			r.done = true
			if len(pts) > 0 {
				return pts, io.EOF
			}
			return nil, io.EOF
		}
		if err != nil {
			// A malformed CSV row is a record error, not a stream error.
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.skipped++
				continue
			}
			return pts, err
		}
		if len(fields) == 0 {
			continue
		}

		p, ok := r.parseRow(fields)
		if !ok {
			r.skipped++
			continue
		}
		pts = append(pts, p)
	}
	return pts, nil
}

// parseRow converts one data row into a point. ok is false when any required
// field is missing or unparseable.
func (r *Reader) parseRow(fields []string) (ais.Point, bool) {
	get := func(name string) (string, bool) {
		i, ok := r.cols[name]
		if !ok || i >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[i]), true
	}

	mmsi, ok := get("mmsi")
	if !ok || !ais.ValidMMSI(mmsi) {
		return ais.Point{}, false
	}

	tsRaw, ok := get("timestamp")
	if !ok {
		return ais.Point{}, false
	}
	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		return ais.Point{}, false
	}

	lat, ok := parseRequiredFloat(get("lat"))
	if !ok {
		return ais.Point{}, false
	}
	lon, ok := parseRequiredFloat(get("lon"))
	if !ok {
		return ais.Point{}, false
	}

	p := ais.Point{MMSI: mmsi, Timestamp: ts, Lat: lat, Lon: lon}
	p.SOG = parseOptionalFloat(get("sog"))
	p.COG = parseOptionalAngle(get("cog"))
	p.Heading = parseOptionalHeading(get("heading"))
	return p, true
}

func parseRequiredFloat(s string, present bool) (float64, bool) {
	if !present || s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseOptionalFloat(s string, present bool) *float64 {
	if !present || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parseOptionalAngle(s string, present bool) *float64 {
	v := parseOptionalFloat(s, present)
	if v == nil || *v < 0 || *v >= 360 {
		return nil
	}
	return v
}

func parseOptionalHeading(s string, present bool) *float64 {
	v := parseOptionalFloat(s, present)
	if v == nil {
		return nil
	}
	if *v == ais.HeadingUnavailable {
		return v
	}
	if *v < 0 || *v >= 360 {
		return nil
	}
	return v
}

// Skipped returns the count of rows discarded because a required field failed
// to parse.
func (r *Reader) Skipped() int64 { return r.skipped }

// Close releases the underlying file and decompressor.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ParseTimestamp parses ISO-8601 and the common "YYYY-MM-DD HH:MM:SS" form.
// Layouts without an explicit zone are read as UTC; the result is always UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LoadAll reads every valid point from path in one pass (buffered mode). The
// returned skipped count mirrors Reader.Skipped.
func LoadAll(path string, chunkSize int) ([]ais.Point, int64, error) {
	r, err := Open(path, chunkSize)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	var pts []ais.Point
	for {
		chunk, err := r.NextChunk()
		pts = append(pts, chunk...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return pts, r.Skipped(), err
		}
	}
	monitoring.Debugf("loaded %d points from %s (%d rows skipped)", len(pts), path, r.Skipped())
	return pts, r.Skipped(), nil
}

// FileSizeMB returns the on-disk size of path in megabytes. Used by the replay
// driver to choose between streaming and buffered mode.
func FileSizeMB(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()) / (1024 * 1024), nil
}
