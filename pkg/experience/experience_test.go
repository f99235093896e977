package experience

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "experience.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndFindBest(t *testing.T) {
	s := openTestStore(t)
	page := "https://shop.example.com/checkout"

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordSelectorSuccess("#buy-now", "click", page))
	}
	require.NoError(t, s.RecordSelectorSuccess("#buy", "click", page))
	require.NoError(t, s.RecordSelectorFailure("#buy", "click", page))

	assert.Equal(t, "#buy-now", s.FindBestSelector("click", page))

	// Different action has no recorded winner
	assert.Empty(t, s.FindBestSelector("type", page))
}

func TestKnownBadSelector(t *testing.T) {
	s := openTestStore(t)
	page := "https://shop.example.com/login"

	assert.False(t, s.IsKnownBadSelector("#submit", page))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordSelectorFailure("#submit", "click", page))
	}
	assert.True(t, s.IsKnownBadSelector("#submit", page))

	// A solid success history outweighs the failures
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordSelectorSuccess("#submit", "click", page))
	}
	assert.False(t, s.IsKnownBadSelector("#submit", page))
}

func TestExperienceScopedByHost(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordSelectorSuccess("#go", "click", "https://a.example.com/x"))

	assert.Equal(t, "#go", s.FindBestSelector("click", "https://a.example.com/other"))
	assert.Empty(t, s.FindBestSelector("click", "https://b.example.com/x"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experience.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordSelectorSuccess("#go", "click", "https://a.example.com"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Successes)
}
