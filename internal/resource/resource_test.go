package resource

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestHandleReleaseRunsOnce(t *testing.T) {
	calls := 0
	h := NewHandle("mic", func() error {
		calls++
		return errors.New("already gone")
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.True(t, h.Released())
	assert.EqualError(t, h.Release(), "already gone")
}

func TestNilHandleIsReleased(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Release())
	assert.True(t, h.Released())
}

func TestScopeClosesInReverseOrder(t *testing.T) {
	var order []string
	s := NewScope()
	s.Track("device", func() error { order = append(order, "device"); return nil })
	s.Track("file", func() error { order = append(order, "file"); return errors.New("busy") })
	s.Track("voice", func() error { order = append(order, "voice"); return errors.New("closed") })

	require.Equal(t, 3, s.Live())
	err := s.Close()

	assert.Equal(t, []string{"voice", "file", "device"}, order)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 0, s.Live())
	assert.NoError(t, s.Close())
}

func TestScopeTrackAfterCloseReleasesImmediately(t *testing.T) {
	s := NewScope()
	require.NoError(t, s.Close())

	released := false
	h := s.Track("late", func() error { released = true; return nil })

	assert.True(t, released)
	assert.True(t, h.Released())
}
