// Package dataset collects per-agent input/output pairs from successful runs
// for downstream evaluation and fine-tuning.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxFileSize = 50 * 1024 * 1024
	fileExtension      = ".jsonl"
	archiveDir         = "archive"
)

// Sample is one agent step of a completed workflow run.
type Sample struct {
	ID         string          `json:"id"`
	TaskID     int64           `json:"taskId"`
	ThemeID    int64           `json:"themeId"`
	CreativeID int64           `json:"creativeId"`
	Agent      string          `json:"agent"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Recorder receives the samples of a run that completed without pausing.
type Recorder interface {
	RecordSamples(ctx context.Context, samples []Sample) error
}

// Nop discards samples.
type Nop struct{}

func (Nop) RecordSamples(context.Context, []Sample) error { return nil }

// JSONLRecorder appends samples to a JSONL file and rotates it into an
// archive directory once it grows past maxSize.
type JSONLRecorder struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	rotations   int
}

// NewJSONLRecorder opens (or creates) the sample file at path.
func NewJSONLRecorder(path string, maxSize int64) (*JSONLRecorder, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	r := &JSONLRecorder{path: path, maxSize: maxSize}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *JSONLRecorder) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open dataset file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat dataset file: %w", err)
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

// RecordSamples writes every sample as one line. IDs and timestamps are
// filled in when missing.
func (r *JSONLRecorder) RecordSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var buf []byte
	now := time.Now().UTC()
	for i := range samples {
		s := samples[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.RecordedAt.IsZero() {
			s.RecordedAt = now
		}
		line, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample for %s: %w", s.Agent, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return fmt.Errorf("dataset recorder is closed")
	}

	if r.currentSize > 0 && r.currentSize+int64(len(buf)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return fmt.Errorf("failed to rotate dataset file: %w", err)
		}
	}

	n, err := r.file.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dataset file: %w", err)
	}
	r.currentSize += int64(n)
	return nil
}

func (r *JSONLRecorder) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close dataset file: %w", err)
	}

	dir := filepath.Join(filepath.Dir(r.path), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	r.rotations++
	base := strings.TrimSuffix(filepath.Base(r.path), fileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), r.rotations, fileExtension)
	if err := os.Rename(r.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to archive dataset file: %w", err)
	}

	return r.open()
}

// Path returns the active file path.
func (r *JSONLRecorder) Path() string {
	return r.path
}

func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
