package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

const snapshotVersion = 1

type snapshotMeta struct {
	RecordType string    `json:"record_type"`
	Version    int       `json:"version"`
	TaskID     int64     `json:"task_id"`
	ExportedAt time.Time `json:"exported_at"`
	EventCount int       `json:"event_count"`
}

type snapshotTask struct {
	RecordType string `json:"record_type"`
	*models.Task
}

type snapshotEvent struct {
	RecordType string          `json:"record_type"`
	Event      json.RawMessage `json:"event"`
}

// ExportTaskSnapshot writes a task and its full event log to path as JSONL:
// one meta line, one task line, then one line per event in eventIndex order.
// The file is replaced atomically.
func (db *DB) ExportTaskSnapshot(ctx context.Context, taskID int64, path string) error {
	task, err := db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %d", models.ErrTaskNotFound, taskID)
	}

	events, err := db.ListEvents(ctx, taskID, 0)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	enc := json.NewEncoder(tempFile)
	meta := snapshotMeta{
		RecordType: "meta",
		Version:    snapshotVersion,
		TaskID:     taskID,
		ExportedAt: time.Now().UTC(),
		EventCount: len(events),
	}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("failed to write snapshot meta: %w", err)
	}
	if err := enc.Encode(snapshotTask{RecordType: "task", Task: task}); err != nil {
		return fmt.Errorf("failed to write snapshot task: %w", err)
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Index, err)
		}
		if err := enc.Encode(snapshotEvent{RecordType: "event", Event: data}); err != nil {
			return fmt.Errorf("failed to write snapshot event: %w", err)
		}
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
