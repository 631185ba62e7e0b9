package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Snapshot summarizes the complete rows of a telemetry log at the moment it was scanned.
type Snapshot struct {
	Rows        int
	Devices     []string // distinct devices, in first-seen order
	FirstTimeMs int64
	LastTimeMs  int64
	Malformed   int // complete lines that did not parse
}

// Scan reads the log at path while it may still be appended to. The header,
// malformed lines and a trailing partial line (no newline yet) are not counted.
// A missing file yields an error satisfying errors.Is(err, os.ErrNotExist).
func Scan(path string) (Snapshot, error) {
	var snap Snapshot
	err := scanLines(path, func(line string) {
		rec, err := ParseRecord(line)
		if err != nil {
			snap.Malformed++
			return
		}
		if snap.Rows == 0 {
			snap.FirstTimeMs = rec.TimeMs
		}
		snap.Rows++
		snap.LastTimeMs = max(snap.LastTimeMs, rec.TimeMs)
		for _, d := range snap.Devices {
			if d == rec.Device {
				return
			}
		}
		snap.Devices = append(snap.Devices, rec.Device)
	})
	return snap, err
}

// ReadRecords returns every complete, parsable row of the log at path.
func ReadRecords(path string) ([]Record, error) {
	var out []Record
	err := scanLines(path, func(line string) {
		if rec, err := ParseRecord(line); err == nil {
			out = append(out, rec)
		}
	})
	return out, err
}

// scanLines calls fn for each complete data line after the header.
func scanLines(path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening telemetry log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := true
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// line, if any, is still being written
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading telemetry log: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if header {
			header = false
			if strings.HasPrefix(line, Header[0]+",") {
				continue
			}
		}
		if line == "" {
			continue
		}
		fn(line)
	}
}

// CountRows returns the number of complete data rows in the log at path.
func CountRows(path string) (int, error) {
	snap, err := Scan(path)
	return snap.Rows, err
}
