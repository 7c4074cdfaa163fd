package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	sess := session.New("2026-07-31T12-00-00", "demo", "gemini-2.5-pro", time.Now())

	require.NoError(t, s.Create(sess))
	assert.ErrorIs(t, s.Create(sess), ErrSessionExists)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, session.StatusRunning, got.Status)

	msg := "pending"
	updated, err := s.Update(sess.ID, session.Partial{Status: statusPtr(session.StatusPending), StatusMessage: &msg})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, updated.Status)
	assert.Equal(t, "pending", updated.StatusMessage)

	_, err = s.Get("unknown-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func statusPtr(s session.Status) *session.Status { return &s }

func TestAppendAndGetMessagesFiltersHidden(t *testing.T) {
	s := newTestStore(t)
	sess := session.New("sess-1", "demo", "gemini-2.5-pro", time.Now())
	require.NoError(t, s.Create(sess))

	visible := session.Message{ID: "m1", SessionID: sess.ID, Role: session.RoleUser, Content: []session.ContentBlock{session.TextBlock("hi")}, Timestamp: time.Now()}
	hidden := session.Message{ID: "m2", SessionID: sess.ID, Role: session.RoleWorkflow, Content: []session.ContentBlock{session.TextBlock("tiles")}, ForDisplay: session.VisibilityModelOnly, Timestamp: time.Now()}

	require.NoError(t, s.AppendMessages(sess.ID, []session.Message{visible, hidden}))

	all, err := s.GetMessages(sess.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	displayOnly, err := s.GetMessages(sess.ID, false)
	require.NoError(t, err)
	require.Len(t, displayOnly, 1)
	assert.Equal(t, "m1", displayOnly[0].ID)
}

func TestAppendOnlyGrows(t *testing.T) {
	s := newTestStore(t)
	sess := session.New("sess-2", "demo", "gemini-2.5-pro", time.Now())
	require.NoError(t, s.Create(sess))

	m1 := session.Message{ID: "a", SessionID: sess.ID, Role: session.RoleUser, Content: []session.ContentBlock{session.TextBlock("1")}, Timestamp: time.Now()}
	require.NoError(t, s.AppendMessages(sess.ID, []session.Message{m1}))

	t1, err := s.GetMessages(sess.ID, true)
	require.NoError(t, err)

	m2 := session.Message{ID: "b", SessionID: sess.ID, Role: session.RoleModel, Content: []session.ContentBlock{session.TextBlock("2")}, Timestamp: time.Now()}
	require.NoError(t, s.AppendMessages(sess.ID, []session.Message{m2}))

	t2, err := s.GetMessages(sess.ID, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(t2), len(t1))
	assert.Equal(t, t1[0].ID, t2[0].ID)
}

func TestImagesAreSandboxedToSession(t *testing.T) {
	s := newTestStore(t)
	sess := session.New("sess-3", "demo", "gemini-2.5-pro", time.Now())
	require.NoError(t, s.Create(sess))

	require.NoError(t, s.PutImage(sess.ID, "shot.png", []byte("fake-png")))
	data, err := s.GetImage(sess.ID, "shot.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-png"), data)

	assert.Error(t, s.PutImage(sess.ID, "../escape.png", []byte("x")))
	assert.Error(t, s.PutImage(sess.ID, "sub/dir.png", []byte("x")))
}

func TestListSkipsUnreadableMetadata(t *testing.T) {
	s := newTestStore(t)
	a := session.New("sess-a", "a", "m", time.Now())
	b := session.New("sess-b", "b", "m", time.Now())
	require.NoError(t, s.Create(a))
	require.NoError(t, s.Create(b))

	// A directory with corrupt metadata is skipped, not fatal.
	corrupt := filepath.Join(s.root, "sess-corrupt")
	require.NoError(t, os.MkdirAll(corrupt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, "metadata.json"), []byte("{not json"), 0644))

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestListFiltered(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, s.Create(session.New(id, id, "m", time.Now())))
	}
	_, err := s.Update("s-2", session.Partial{Status: statusPtr(session.StatusPending)})
	require.NoError(t, err)

	pending, err := s.ListFiltered(ListOptions{Status: session.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s-2", pending[0].ID)

	paged, err := s.ListFiltered(ListOptions{After: "s-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "s-2", paged[0].ID)
}

func TestPartialTrailingLineTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	sess := session.New("sess-partial", "demo", "m", time.Now())
	require.NoError(t, s.Create(sess))

	m := session.Message{ID: "ok", SessionID: sess.ID, Role: session.RoleUser, Content: []session.ContentBlock{session.TextBlock("hi")}, Timestamp: time.Now()}
	require.NoError(t, s.AppendMessages(sess.ID, []session.Message{m}))

	// Simulate a crash mid-append: a torn final line.
	f, err := os.OpenFile(s.messagesPath(sess.ID), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","role":"use`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := s.GetMessages(sess.ID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].ID)
}
