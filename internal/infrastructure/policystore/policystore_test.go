package policystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndMatchPolicy(t *testing.T) {
	s := openTemp(t)

	temp := float32(0.1)
	require.NoError(t, s.SetPolicy(ModelPolicy{
		Pattern:     "flash",
		Temperature: &temp,
		AutoAccept:  []string{"computer_wait"},
	}))

	p, ok := s.PolicyFor("gemini-2.5-flash")
	require.True(t, ok)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.1, float64(*p.Temperature), 0.001)
	assert.Equal(t, []string{"computer_wait"}, p.AutoAccept)

	_, ok = s.PolicyFor("gemini-2.5-pro")
	assert.False(t, ok)
}

func TestPolicyUpsert(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.SetPolicy(ModelPolicy{Pattern: "pro", AutoAccept: []string{"a"}}))
	require.NoError(t, s.SetPolicy(ModelPolicy{Pattern: "pro", AutoAccept: []string{"b", "c"}}))

	p, ok := s.PolicyFor("gemini-2.5-pro")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, p.AutoAccept)
	assert.Nil(t, p.Temperature)
}

func TestGroundingHistory(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.RecordGroundingModel("sess-1", "gemini-2.5-flash"))
	require.NoError(t, s.RecordGroundingModel("sess-1", "gemini-2.5-pro"))
	require.NoError(t, s.RecordGroundingModel("sess-2", "gemini-2.5-flash"))

	models, err := s.GroundingHistory("sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-flash"}, models)
}
