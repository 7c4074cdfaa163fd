// Package store implements the Session Store: append-only filesystem
// persistence for session metadata, the per-session message log, and image
// blobs. The on-disk layout follows §6: <root>/<sessionId>/metadata.json,
// <root>/<sessionId>/messages.jsonl, <root>/<sessionId>/images/<fileName>.
//
// The message log is one JSON record per line (the persistent_bus.go WAL
// pattern this module is grounded on), append-only, flushed on every write.
// A partial line at end-of-file — the process was killed mid-write — is
// treated as absent rather than a fatal corruption.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/session"
	"go.uber.org/zap"
)

const (
	metadataFile = "metadata.json"
	messagesFile = "messages.jsonl"
	imagesDir    = "images"
)

// ErrSessionExists is returned by Create when the session already exists.
var ErrSessionExists = fmt.Errorf("store: session already exists")

// ErrSessionNotFound is returned by Get/Update when the id is unknown.
var ErrSessionNotFound = fmt.Errorf("store: session not found")

// Store is the filesystem-backed Session Store. Concurrent appends to the
// same session are serialized by a per-session mutex (§5); distinct sessions
// proceed independently.
type Store struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex // protects the locks map itself
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", dir, err)
	}
	return &Store{
		root:   dir,
		logger: logger.With(zap.String("component", "session-store")),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) sessionDir(id string) string   { return filepath.Join(s.root, id) }
func (s *Store) metadataPath(id string) string { return filepath.Join(s.sessionDir(id), metadataFile) }
func (s *Store) messagesPath(id string) string { return filepath.Join(s.sessionDir(id), messagesFile) }
func (s *Store) imagesPath(id string) string   { return filepath.Join(s.sessionDir(id), imagesDir) }

// Create writes metadata and creates an empty message log and image
// directory. Fails with ErrSessionExists if the session directory already
// has metadata.
func (s *Store) Create(sess *session.Session) error {
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.metadataPath(sess.ID)); err == nil {
		return ErrSessionExists
	}

	if err := os.MkdirAll(s.imagesPath(sess.ID), 0755); err != nil {
		return fmt.Errorf("store: create session dir: %w", err)
	}

	f, err := os.OpenFile(s.messagesPath(sess.ID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: create message log: %w", err)
	}
	f.Close()

	return s.writeMetadataLocked(sess)
}

func (s *Store) writeMetadataLocked(sess *session.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	tmp := s.metadataPath(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}
	return os.Rename(tmp, s.metadataPath(sess.ID))
}

// Get returns current metadata, or ErrSessionNotFound if unknown.
func (s *Store) Get(id string) (*session.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*session.Session, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: read metadata: %w", err)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: parse metadata: %w", err)
	}
	return &sess, nil
}

// List returns all metadata. Entries with unreadable metadata are skipped
// and logged, not returned as an error.
func (s *Store) List() ([]*session.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read root: %w", err)
	}

	var out []*session.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.Get(e.Name())
		if err != nil {
			s.logger.Warn("skipping session with unreadable metadata",
				zap.String("session_id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListOptions filters and pages a List call. Sessions are ordered by id,
// which is ordered by creation time.
type ListOptions struct {
	Status session.Status // empty = all statuses
	After  string         // exclusive id cursor, "" = from the beginning
	Limit  int            // 0 = unlimited
}

// ListFiltered returns metadata matching opts, in id order.
func (s *Store) ListFiltered(opts ListOptions) ([]*session.Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, sess := range all {
		if opts.After != "" && sess.ID <= opts.After {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		out = append(out, sess)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Update merges a partial into the session's metadata. The id is immutable.
func (s *Store) Update(id string, partial session.Partial) (*session.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	sess.Merge(partial, time.Now())
	if err := s.writeMetadataLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessages atomically extends the log with zero or more messages,
// writing each as a self-contained JSON line.
func (s *Store) AppendMessages(id string, msgs []session.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.messagesPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: open message log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("store: invalid message: %w", err)
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("store: marshal message: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("store: write message: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("store: write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("store: flush message log: %w", err)
	}
	return f.Sync()
}

// GetMessages returns the full log in append order, filtered to
// forDisplay != false when includeHidden is false.
func (s *Store) GetMessages(id string, includeHidden bool) ([]session.Message, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.messagesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: open message log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: scan message log: %w", err)
	}

	var out []session.Message
	for i, line := range lines {
		var m session.Message
		if err := json.Unmarshal(line, &m); err != nil {
			// A partial line at EOF (process killed mid-append) is treated
			// as absent, not as corruption; any earlier line must parse.
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("store: parse message log line: %w", err)
		}
		if includeHidden || m.VisibleForDisplay() {
			out = append(out, m)
		}
	}
	return out, nil
}

// PutImage persists PNG bytes under the session's images directory. name is
// checked with SanitizeImageName; an unsafe name is rejected with an error.
func (s *Store) PutImage(id, name string, png []byte) error {
	clean, err := SanitizeImageName(name)
	if err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.imagesPath(id), 0755); err != nil {
		return fmt.Errorf("store: create images dir: %w", err)
	}
	path := filepath.Join(s.imagesPath(id), clean)
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("store: write image: %w", err)
	}
	return nil
}

// GetImage reads back a previously stored image blob.
func (s *Store) GetImage(id, name string) ([]byte, error) {
	clean, err := SanitizeImageName(name)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.imagesPath(id), clean)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: image %s not found: %w", name, os.ErrNotExist)
		}
		return nil, fmt.Errorf("store: read image: %w", err)
	}
	return data, nil
}

// SanitizeImageName rejects any filename that could escape the session's
// images directory (path separators, "..", empty).
func SanitizeImageName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("store: empty image filename")
	}
	clean := filepath.Base(name)
	if clean != name || clean == "." || clean == ".." {
		return "", fmt.Errorf("store: unsafe image filename %q", name)
	}
	return clean, nil
}

