package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PersistentBus journals the durable event kinds (persistent_message,
// session_status, session_update) to an append-only file before dispatching
// them through an InMemoryBus. A restarted process can Replay the journal
// to a late-joining subscriber instead of relying solely on clients
// re-reading the message log (§5); stream_message deltas are ephemeral by
// contract and are dispatched without being journaled.
type PersistentBus struct {
	inner     *InMemoryBus
	journaled map[string]bool
	path      string
	maxSize   int64
	logger    *zap.Logger

	mu      sync.Mutex // guards the journal file state below
	file    *os.File
	writer  *bufio.Writer
	written int64
}

// journalRecord is the on-disk form of one journaled event.
type journalRecord struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

const journalFileName = "events.wal"

// PersistentBusConfig configures the journal-backed bus.
type PersistentBusConfig struct {
	WALDir     string // directory holding the journal (required)
	BufferSize int    // InMemoryBus channel buffer (default 256)
	MaxWALSize int64  // rotate past this many bytes (default 10MB)

	// JournaledTypes overrides which event types are written to the
	// journal. Empty = the durable domain types.
	JournaledTypes []string
}

// NewPersistentBus opens (creating if needed) the journal and starts the
// underlying in-memory dispatcher.
func NewPersistentBus(cfg PersistentBusConfig, logger *zap.Logger) (*PersistentBus, error) {
	if cfg.WALDir == "" {
		return nil, fmt.Errorf("eventbus: WALDir is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MaxWALSize <= 0 {
		cfg.MaxWALSize = 10 * 1024 * 1024
	}
	if len(cfg.JournaledTypes) == 0 {
		cfg.JournaledTypes = []string{
			EventTypePersistentMessage,
			EventTypeSessionStatus,
			EventTypeSessionUpdate,
		}
	}

	if err := os.MkdirAll(cfg.WALDir, 0755); err != nil {
		return nil, fmt.Errorf("eventbus: create journal dir: %w", err)
	}

	path := filepath.Join(cfg.WALDir, journalFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open journal: %w", err)
	}

	var size int64
	if stat, err := f.Stat(); err == nil {
		size = stat.Size()
	}

	journaled := make(map[string]bool, len(cfg.JournaledTypes))
	for _, t := range cfg.JournaledTypes {
		journaled[t] = true
	}

	return &PersistentBus{
		inner:     NewInMemoryBus(logger, cfg.BufferSize),
		journaled: journaled,
		path:      path,
		maxSize:   cfg.MaxWALSize,
		logger:    logger.With(zap.String("component", "persistent-bus")),
		file:      f,
		writer:    bufio.NewWriterSize(f, 64*1024),
		written:   size,
	}, nil
}

// Publish journals durable events, then hands every event to the in-memory
// bus. Journal write failures are logged, never surfaced — dispatch must
// not stall on disk trouble, and the session message log remains the
// source of truth.
func (b *PersistentBus) Publish(ctx context.Context, event Event) {
	if b.journaled[event.Type()] {
		b.append(event)
	}
	b.inner.Publish(ctx, event)
}

func (b *PersistentBus) append(event Event) {
	data, err := json.Marshal(journalRecord{
		Type:    event.Type(),
		At:      event.Timestamp(),
		Payload: event.Payload(),
	})
	if err != nil {
		b.logger.Error("Failed to encode event for journal",
			zap.String("type", event.Type()),
			zap.Error(err),
		)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.writer.Write(append(data, '\n'))
	if err != nil {
		b.logger.Error("Journal write failed",
			zap.String("type", event.Type()),
			zap.Error(err),
		)
	}
	b.written += int64(n)
	_ = b.writer.Flush()

	if b.maxSize > 0 && b.written >= b.maxSize {
		b.rotateLocked()
	}
}

// Subscribe delegates to the in-memory bus.
func (b *PersistentBus) Subscribe(eventType string, handler Handler) {
	b.inner.Subscribe(eventType, handler)
}

// Unsubscribe delegates to the in-memory bus.
func (b *PersistentBus) Unsubscribe(eventType string, handler Handler) {
	b.inner.Unsubscribe(eventType, handler)
}

// Close flushes the journal and stops dispatch.
func (b *PersistentBus) Close() {
	b.mu.Lock()
	_ = b.writer.Flush()
	_ = b.file.Sync()
	_ = b.file.Close()
	b.mu.Unlock()

	b.inner.Close()
	b.logger.Info("Persistent event bus closed")
}

// Replay re-emits every journaled event to the current subscribers, in
// append order. Call it after Subscribe and before live traffic. A corrupt
// line — a torn tail from a crash mid-append — is skipped, same policy as
// the session message log. Returns the number of events re-emitted.
func (b *PersistentBus) Replay(ctx context.Context) (int, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventbus: open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	count := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			b.logger.Warn("Skipping corrupt journal record", zap.Error(err))
			continue
		}

		b.inner.Publish(ctx, &BaseEvent{
			EventType:      rec.Type,
			EventTimestamp: rec.At,
			EventPayload:   rec.Payload,
		})
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("eventbus: scan journal: %w", err)
	}

	b.logger.Info("Journal replay complete", zap.Int("events", count))
	return count, nil
}

// Truncate discards the journal, e.g. after the operator prunes old
// sessions that replayed events would dangle against.
func (b *PersistentBus) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.writer.Flush()
	_ = b.file.Close()

	f, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("eventbus: truncate journal: %w", err)
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0

	b.logger.Info("Journal truncated")
	return nil
}

// rotateLocked swaps the live journal for a fresh file, keeping exactly one
// predecessor as <name>.old. Called with b.mu held.
func (b *PersistentBus) rotateLocked() {
	_ = b.writer.Flush()
	_ = b.file.Close()

	oldPath := b.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(b.path, oldPath)

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		b.logger.Error("Journal rotation failed", zap.Error(err))
		return
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0

	b.logger.Info("Journal rotated", zap.String("old_path", oldPath))
}

// WALSize reports the live journal's size in bytes.
func (b *PersistentBus) WALSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
