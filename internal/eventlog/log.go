// Package eventlog stores the append-only per-run event log: one
// newline-delimited JSON file per run, written by the worker owning the
// current claim and tailed concurrently by any number of readers. Readers
// never take a lock that could stall the writer; the byte offset of a record
// is its resume cursor.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/storage/objectstore"
)

// ErrLogNotFound is returned when a run has no event log yet.
var ErrLogNotFound = errors.New("event log not found")

// lockShards bounds writer-lock state to a fixed size regardless of how many
// runs a process has appended to. Distinct paths may share a shard; that only
// serializes two unrelated appends, never corrupts a log.
const lockShards = 64

type Log struct {
	root  string
	locks [lockShards]sync.Mutex
}

func New(root string) (*Log, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("event log root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create event log root: %w", err)
	}
	return &Log{root: root}, nil
}

// Key is the deterministic object key for a run's archived log.
func Key(workspaceID, runID string) string {
	return fmt.Sprintf("runlogs/%s/%s.ndjson", strings.TrimSpace(workspaceID), strings.TrimSpace(runID))
}

func (l *Log) path(workspaceID, runID string) (string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	runID = strings.TrimSpace(runID)
	if workspaceID == "" || runID == "" {
		return "", errors.New("workspace id and run id are required")
	}
	if strings.ContainsAny(workspaceID, "/\\") || strings.ContainsAny(runID, "/\\") {
		return "", errors.New("invalid workspace or run id")
	}
	return filepath.Join(l.root, workspaceID, runID+".ndjson"), nil
}

func (l *Log) lockFor(path string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = io.WriteString(h, path)
	return &l.locks[h.Sum32()%lockShards]
}

// Append writes one record and returns the log size after the write, i.e. the
// cursor a reader holds once it has consumed this record.
func (l *Log) Append(ctx context.Context, workspaceID, runID string, event domain.RunEvent) (int64, error) {
	if l == nil {
		return 0, errors.New("event log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	path, err := l.path(workspaceID, runID)
	if err != nil {
		return 0, err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}
	return info.Size(), nil
}

// ReadFrom returns up to maxBytes raw bytes starting at offset. An empty
// slice means no new bytes; callers poll again later.
func (l *Log) ReadFrom(ctx context.Context, workspaceID, runID string, offset int64, maxBytes int) ([]byte, error) {
	if l == nil {
		return nil, errors.New("event log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, errors.New("offset must be >= 0")
	}
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	path, err := l.path(workspaceID, runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrLogNotFound
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return buf[:n], nil
}

// Size returns the current byte length of a run's log.
func (l *Log) Size(ctx context.Context, workspaceID, runID string) (int64, error) {
	if l == nil {
		return 0, errors.New("event log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := l.path(workspaceID, runID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrLogNotFound
		}
		return 0, fmt.Errorf("stat log: %w", err)
	}
	return info.Size(), nil
}

func (l *Log) Exists(ctx context.Context, workspaceID, runID string) (bool, error) {
	_, err := l.Size(ctx, workspaceID, runID)
	if err != nil {
		if errors.Is(err, ErrLogNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Archive copies a finished run's log into the object store for retention.
// The local file stays in place; archiving is idempotent per key.
func (l *Log) Archive(ctx context.Context, store objectstore.Store, bucket, workspaceID, runID string) error {
	if l == nil {
		return errors.New("event log not initialized")
	}
	if store == nil {
		return errors.New("object store is required")
	}
	path, err := l.path(workspaceID, runID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLogNotFound
		}
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	key := Key(workspaceID, runID)
	if err := store.Put(ctx, bucket, key, f, info.Size(), "application/x-ndjson"); err != nil {
		return fmt.Errorf("archive log %s: %w", key, err)
	}
	return nil
}
