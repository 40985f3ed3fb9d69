// Package stream tails run event logs for live consumers. A Streamer owns no
// per-subscriber state beyond the goroutine serving one Stream call, so a
// disconnected client costs nothing once its context is cancelled.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

// EndReason distinguishes how a stream terminated.
type EndReason string

const (
	// EndSentinel means the log carried an explicit run.complete record.
	EndSentinel EndReason = "sentinel"
	// EndTerminalStatus means the run row reached a terminal status and the
	// log stayed quiet through the grace window. Covers workers that crash
	// before writing the sentinel.
	EndTerminalStatus EndReason = "terminal_status"
)

// Frame is one unit delivered to a stream consumer. Exactly one of Event,
// Keepalive, or End is set. Cursor is the byte offset to resume from after
// this frame.
type Frame struct {
	Event     *domain.RunEvent
	Cursor    int64
	Keepalive bool
	End       EndReason
}

type RunReader interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
}

type Config struct {
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	TerminalGrace     time.Duration
	ReadChunkBytes    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 2 * time.Second
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = 256 * 1024
	}
	return c
}

type Streamer struct {
	runs   RunReader
	log    *eventlog.Log
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func New(runs RunReader, log *eventlog.Log, logger *slog.Logger, cfg Config) (*Streamer, error) {
	if runs == nil {
		return nil, errors.New("run reader is required")
	}
	if log == nil {
		return nil, errors.New("event log is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		runs:   runs,
		log:    log,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Stream tails the run's event log from fromCursor and delivers frames until
// the stream ends or ctx is cancelled. The returned channel is closed when the
// tail loop exits; the final frame before a normal close carries End.
func (s *Streamer) Stream(ctx context.Context, runID string, fromCursor int64) (<-chan Frame, error) {
	if s == nil {
		return nil, errors.New("streamer not initialized")
	}
	if fromCursor < 0 {
		return nil, errors.New("cursor must be >= 0")
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := make(chan Frame)
	go s.tail(ctx, run, fromCursor, out)
	return out, nil
}

func (s *Streamer) tail(ctx context.Context, run domain.Run, cursor int64, out chan<- Frame) {
	defer close(out)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	lastActivity := s.now()
	var terminalSince time.Time

	for {
		frames, next, err := s.readPage(ctx, run, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Warn("event log read failed", "run_id", run.ID, "error", err)
			return
		}
		cursor = next

		for _, frame := range frames {
			if !s.send(ctx, out, frame) {
				return
			}
			lastActivity = s.now()
			if frame.End != "" {
				return
			}
		}

		if len(frames) == 0 {
			now := s.now()
			terminal, err := s.runTerminal(ctx, run.ID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				s.logger.Warn("run status check failed", "run_id", run.ID, "error", err)
			} else if terminal {
				if terminalSince.IsZero() {
					terminalSince = now
				}
				if now.Sub(terminalSince) >= s.cfg.TerminalGrace {
					s.send(ctx, out, Frame{Cursor: cursor, End: EndTerminalStatus})
					return
				}
			} else {
				terminalSince = time.Time{}
			}
			if now.Sub(lastActivity) >= s.cfg.KeepaliveInterval {
				if !s.send(ctx, out, Frame{Cursor: cursor, Keepalive: true}) {
					return
				}
				lastActivity = now
			}
		} else {
			// New bytes arrived after the status flipped; drain before
			// re-arming the grace window.
			terminalSince = time.Time{}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (s *Streamer) send(ctx context.Context, out chan<- Frame, frame Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- frame:
		return true
	}
}

func (s *Streamer) runTerminal(ctx context.Context, runID string) (bool, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status.Terminal(), nil
}

// readPage reads complete records starting at cursor. A trailing partial line
// is left in the log, not consumed: the returned cursor stops at the last
// newline so the next read picks the line up whole.
func (s *Streamer) readPage(ctx context.Context, run domain.Run, cursor int64) ([]Frame, int64, error) {
	maxBytes := s.cfg.ReadChunkBytes
	for {
		data, err := s.log.ReadFrom(ctx, run.WorkspaceID, run.ID, cursor, maxBytes)
		if err != nil {
			// No log yet is a normal early-poll outcome; the worker has not
			// written its first record.
			if errors.Is(err, eventlog.ErrLogNotFound) {
				return nil, cursor, nil
			}
			return nil, cursor, err
		}
		// A full window with no newline means one record is longer than the
		// window. Re-read with a wider one so the cursor can keep advancing;
		// a short read without a newline is just a partial trailing line.
		if len(data) == maxBytes && bytes.IndexByte(data, '\n') < 0 {
			maxBytes *= 2
			continue
		}
		return s.parseRecords(run.ID, data, cursor)
	}
}

func (s *Streamer) parseRecords(runID string, data []byte, base int64) ([]Frame, int64, error) {
	frames := make([]Frame, 0)
	cursor := base
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		cursor += int64(idx + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event domain.RunEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Malformed records are skipped, not fatal; the cursor has
			// already moved past them.
			s.logger.Warn("skipping malformed event record", "run_id", runID, "cursor", cursor, "error", err)
			continue
		}
		frame := Frame{Event: &event, Cursor: cursor}
		if event.Event == domain.EventSentinelComplete {
			frame.End = EndSentinel
		}
		frames = append(frames, frame)
		if frame.End != "" {
			break
		}
	}
	return frames, cursor, nil
}

// Page is a one-shot pull read used by the non-streaming events endpoint.
type Page struct {
	Frames     []Frame
	NextCursor int64
	Ended      bool
	EndReason  EndReason
}

// ReadPage returns the complete records available at cursor without tailing.
// Ended is set when the page contains the completion sentinel or the run is
// terminal with no bytes left past the cursor.
func (s *Streamer) ReadPage(ctx context.Context, runID string, cursor int64) (Page, error) {
	if s == nil {
		return Page{}, errors.New("streamer not initialized")
	}
	if cursor < 0 {
		return Page{}, errors.New("cursor must be >= 0")
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return Page{}, fmt.Errorf("load run: %w", err)
	}
	frames, next, err := s.readPage(ctx, run, cursor)
	if err != nil {
		return Page{}, err
	}
	page := Page{Frames: frames, NextCursor: next}
	for _, frame := range frames {
		if frame.End != "" {
			page.Ended = true
			page.EndReason = frame.End
		}
	}
	if !page.Ended && len(frames) == 0 && run.Status.Terminal() {
		page.Ended = true
		page.EndReason = EndTerminalStatus
	}
	return page, nil
}

var _ RunReader = repo.RunRepository(nil)
