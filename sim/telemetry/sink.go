package telemetry

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultFallbackPath is used when the configured log path is not writable.
const DefaultFallbackPath = "edge_metrics.csv"

// ErrOutOfOrder is returned by Append when a record's timestamp does not
// advance past the last one written for the same device.
var ErrOutOfOrder = errors.New("telemetry record out of order")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("telemetry sink closed")

// Sink is the append-only structured telemetry log. Rows are never rewritten;
// every Append is flushed and synced before it returns.
//
// Sink expects one logical writer; readers in other goroutines use RowCount
// or Scan on the path, both of which tolerate a file that is still growing.
type Sink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	csv    *csv.Writer
	last   map[string]int64
	closed bool

	rows atomic.Int64
}

// OpenSink creates or truncates the log at path and writes the header.
// If path is not writable it warns and falls back to fallback; it only fails
// when neither location can be created.
func OpenSink(path, fallback string) (*Sink, error) {
	s, err := createSink(path)
	if err == nil {
		logrus.Infof("Initialized telemetry log: %s", path)
		return s, nil
	}
	if fallback == "" || fallback == path {
		return nil, fmt.Errorf("initializing telemetry log %s: %w", path, err)
	}
	logrus.Warnf("Cannot initialize telemetry log %s (%v); using %s", path, err, fallback)
	s, ferr := createSink(fallback)
	if ferr != nil {
		return nil, fmt.Errorf("initializing telemetry log %s and fallback %s: %w", path, fallback, errors.Join(err, ferr))
	}
	return s, nil
}

func createSink(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)
	s := &Sink{path: path, file: f, buf: buf, csv: w, last: make(map[string]int64)}
	if err := w.Write(Header); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.flush(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the file the log is actually written to (primary or fallback).
func (s *Sink) Path() string {
	return s.path
}

// Append validates and durably writes one batch. The batch is rejected as a
// whole if any record would repeat or precede an earlier timestamp of its device.
func (s *Sink) Append(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pending := make(map[string]int64, len(records))
	for _, r := range records {
		prev, ok := pending[r.Device]
		if !ok {
			prev, ok = s.last[r.Device]
		}
		if ok && r.TimeMs <= prev {
			return fmt.Errorf("device %s at %d ms (last %d ms): %w", r.Device, r.TimeMs, prev, ErrOutOfOrder)
		}
		pending[r.Device] = r.TimeMs
	}

	for _, r := range records {
		if err := s.csv.Write(r.Fields()); err != nil {
			return fmt.Errorf("writing telemetry row: %w", err)
		}
	}
	if err := s.flush(); err != nil {
		return fmt.Errorf("flushing telemetry log: %w", err)
	}
	for dev, t := range pending {
		s.last[dev] = t
	}
	s.rows.Add(int64(len(records)))
	return nil
}

func (s *Sink) flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// RowCount returns the number of data rows appended so far. Safe for concurrent use.
func (s *Sink) RowCount() int {
	return int(s.rows.Load())
}

// Close flushes and closes the log. Further appends fail with ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ferr := s.flush()
	cerr := s.file.Close()
	return errors.Join(ferr, cerr)
}
