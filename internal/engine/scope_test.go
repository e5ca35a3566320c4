package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Close_ReleasesInReverseOrder(t *testing.T) {
	var order []string
	s := NewScope()
	s.Track("document", func() error { order = append(order, "document"); return nil })
	s.Track("temp dir", func() error { order = append(order, "temp dir"); return nil })
	s.Track("page file", func() error { order = append(order, "page file"); return nil })

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"page file", "temp dir", "document"}, order)
}

func TestScope_Close_ContinuesPastFailures(t *testing.T) {
	var order []string
	boom := errors.New("unlink failed")

	s := NewScope()
	s.Track("a", func() error { order = append(order, "a"); return nil })
	s.Track("b", func() error { order = append(order, "b"); return boom })
	s.Track("c", func() error { order = append(order, "c"); return nil })

	err := s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "release b")
	// The failing release must not stop the rest.
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestScope_Close_Idempotent(t *testing.T) {
	calls := 0
	s := NewScope()
	s.Track("once", func() error { calls++; return nil })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

func TestScope_Close_Empty(t *testing.T) {
	assert.NoError(t, NewScope().Close())
}
