package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSamples(t *testing.T, path string) []Sample {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Sample
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s Sample
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		out = append(out, s)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestJSONLRecorder_RecordSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "samples.jsonl")
	r, err := NewJSONLRecorder(path, 0)
	require.NoError(t, err)
	defer r.Close()

	err = r.RecordSamples(context.Background(), []Sample{
		{TaskID: 1, CreativeID: 9, Agent: "writer", Input: json.RawMessage(`{"message":"hi"}`), Output: json.RawMessage(`"draft"`)},
		{TaskID: 1, CreativeID: 9, Agent: "reviewer", Input: json.RawMessage(`{}`), Output: json.RawMessage(`"ok"`)},
	})
	require.NoError(t, err)

	samples := readSamples(t, path)
	require.Len(t, samples, 2)
	assert.Equal(t, "writer", samples[0].Agent)
	assert.NotEmpty(t, samples[0].ID)
	assert.NotEqual(t, samples[0].ID, samples[1].ID)
	assert.False(t, samples[1].RecordedAt.IsZero())
	assert.JSONEq(t, `"draft"`, string(samples[0].Output))
}

func TestJSONLRecorder_EmptyBatchIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.jsonl")
	r, err := NewJSONLRecorder(path, 0)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.RecordSamples(context.Background(), nil))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestJSONLRecorder_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.jsonl")
	r, err := NewJSONLRecorder(path, 200)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordSamples(context.Background(), []Sample{
			{TaskID: int64(i), Agent: "writer", Input: json.RawMessage(`{}`), Output: json.RawMessage(`"x"`)},
		}))
	}

	archived, err := filepath.Glob(filepath.Join(dir, "archive", "samples.*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	total := len(readSamples(t, path))
	for _, a := range archived {
		total += len(readSamples(t, a))
	}
	assert.Equal(t, 5, total)
}

func TestJSONLRecorder_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.jsonl")
	r, err := NewJSONLRecorder(path, 0)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.RecordSamples(context.Background(), []Sample{
				{TaskID: int64(i), Agent: "a", Input: json.RawMessage(`{}`), Output: json.RawMessage(`1`)},
			}))
		}(i)
	}
	wg.Wait()

	assert.Len(t, readSamples(t, path), 20)
}

func TestJSONLRecorder_Closed(t *testing.T) {
	r, err := NewJSONLRecorder(filepath.Join(t.TempDir(), "samples.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err = r.RecordSamples(context.Background(), []Sample{{Agent: "a", Input: json.RawMessage(`{}`), Output: json.RawMessage(`1`)}})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var rec Recorder = Nop{}
	assert.NoError(t, rec.RecordSamples(context.Background(), []Sample{{Agent: "a"}}))
}
