package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/screenager/photon/internal/photonerr"
)

// Format selects the wire layout of the output.
type Format string

const (
	// FormatJSONL streams one record per line as images complete.
	FormatJSONL Format = "jsonl"
	// FormatJSON buffers all records and emits one valid top-level array at
	// the end of the batch. Streaming mid-batch is not permitted here.
	FormatJSON Format = "json"
)

// Sink consumes output records. Writes may come from multiple workers; all
// implementations serialize internally, and a slow destination applies
// backpressure by blocking the writer.
type Sink interface {
	Write(rec OutputRecord) error
	Close() error
}

// NewFileSink opens a sink writing to path. For FormatJSON with merge set,
// records already present in an existing array file are preserved and the
// file is rewritten as a single valid array: appending to a JSON array would
// produce invalid output, so merge-and-rewrite is the only correct shape.
func NewFileSink(path string, format Format, merge bool) (Sink, error) {
	if format == FormatJSON {
		var prior []json.RawMessage
		if merge {
			prior = loadPriorArray(path)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, photonerr.IO(path, err)
		}
		return &jsonSink{w: f, closer: f, prior: prior}, nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if merge {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, photonerr.IO(path, err)
	}
	return &jsonlSink{w: bufio.NewWriter(f), closer: f}, nil
}

// NewStdoutSink writes to stdout: JSONL streams directly, JSON emits one
// array at end-of-batch.
func NewStdoutSink(format Format) Sink {
	if format == FormatJSON {
		return &jsonSink{w: os.Stdout}
	}
	return &jsonlSink{w: bufio.NewWriter(os.Stdout)}
}

// jsonlSink emits one record per line.
type jsonlSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

func (s *jsonlSink) Write(rec OutputRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return photonerr.IO("", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return photonerr.IO("", err)
	}
	return nil
}

func (s *jsonlSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return photonerr.IO("", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// jsonSink buffers records and writes a single array on Close. prior holds
// records merged from a pre-existing output file.
type jsonSink struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	prior   []json.RawMessage
	records []json.RawMessage
}

func (s *jsonSink) Write(rec OutputRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	s.records = append(s.records, data)
	s.mu.Unlock()
	return nil
}

func (s *jsonSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]json.RawMessage, 0, len(s.prior)+len(s.records))
	all = append(all, s.prior...)
	all = append(all, s.records...)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output array: %w", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return photonerr.IO("", err)
	}
	if _, err := io.WriteString(s.w, "\n"); err != nil {
		return photonerr.IO("", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// loadPriorArray reads an existing JSON-array output file for merging. A
// missing or unparseable file yields no prior records (with a warning); it
// never aborts the batch.
func loadPriorArray(path string) []json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read existing output for merge", "path", path, "error", err)
		}
		return nil
	}
	var prior []json.RawMessage
	if err := json.Unmarshal(data, &prior); err != nil {
		slog.Warn("existing output is not a JSON array; starting fresh", "path", path, "error", err)
		return nil
	}
	return prior
}

// ExistingSet is the skip-existing prefilter: the set of (file_path,
// file_size) pairs already present in a previous output file. The membership
// key is a hash of the pair, so the set stays small even for large runs.
type ExistingSet struct {
	keys map[uint64]struct{}
}

func pathSizeKey(path string, size int64) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s|%d", path, size))
}

// Has reports whether path at exactly size bytes was already processed.
// Content edits that preserve both path and size are not detected; that is
// the documented trade-off keeping the prefilter near-zero cost.
func (s *ExistingSet) Has(path string, size int64) bool {
	if s == nil {
		return false
	}
	_, ok := s.keys[pathSizeKey(path, size)]
	return ok
}

// Len returns the number of known records.
func (s *ExistingSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// LoadExistingSet parses a previous output file in either JSON-array or
// JSONL form and collects the (file_path, file_size) pairs of its core
// records. Parse failures log a warning and yield an empty set.
func LoadExistingSet(path string) *ExistingSet {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read existing output for skip filter", "path", path, "error", err)
		}
		return nil
	}

	set := &ExistingSet{keys: make(map[uint64]struct{})}
	add := func(rec OutputRecord) {
		if rec.Core != nil && rec.Core.FilePath != "" {
			set.keys[pathSizeKey(rec.Core.FilePath, rec.Core.FileSize)] = struct{}{}
		}
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var records []OutputRecord
		if err := json.Unmarshal(data, &records); err != nil {
			slog.Warn("could not parse existing output as JSON array", "path", path, "error", err)
			return nil
		}
		for _, rec := range records {
			add(rec)
		}
		return set
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec OutputRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping unparseable output line", "path", path, "error", err)
			continue
		}
		add(rec)
	}
	return set
}
