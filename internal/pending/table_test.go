package pending

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(id string) *Entry {
	return NewEntry(id, httptest.NewRecorder())
}

func TestInsertRejectsDuplicate(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert("1-1", newEntry("1-1")))
	require.ErrorIs(t, tbl.Insert("1-1", newEntry("1-1")), ErrDuplicateID)
	require.Equal(t, 1, tbl.Len())
}

func TestTakeRemoves(t *testing.T) {
	tbl := NewTable()
	e := newEntry("1-1")
	require.NoError(t, tbl.Insert("1-1", e))

	got, ok := tbl.Take("1-1")
	require.True(t, ok)
	require.Same(t, e, got)

	// Second terminal for the same id misses.
	_, ok = tbl.Take("1-1")
	require.False(t, ok)
	require.Equal(t, 0, tbl.Len())
}

func TestPeekDoesNotRemove(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert("1-1", newEntry("1-1")))

	_, ok := tbl.Peek("1-1")
	require.True(t, ok)
	require.Equal(t, 1, tbl.Len())

	_, ok = tbl.Peek("nope")
	require.False(t, ok)
}

func TestDrainEmptiesTable(t *testing.T) {
	tbl := NewTable()
	for _, id := range []string{"1-1", "2-1", "3-1"} {
		require.NoError(t, tbl.Insert(id, newEntry(id)))
	}
	entries := tbl.Drain()
	require.Len(t, entries, 3)
	require.Equal(t, 0, tbl.Len())
	require.Empty(t, tbl.Drain())
}

func TestEntryTimerFiresAndResets(t *testing.T) {
	e := newEntry("1-1")
	fired := make(chan struct{}, 1)
	e.Arm(30*time.Millisecond, func() { fired <- struct{}{} })

	// Keep touching past the original deadline: must not fire.
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		e.Touch(30 * time.Millisecond)
	}
	select {
	case <-fired:
		t.Fatal("timer fired despite being touched")
	default:
	}

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer never fired after touches stopped")
	}
}

func TestEntryStopTimer(t *testing.T) {
	e := newEntry("1-1")
	fired := make(chan struct{}, 1)
	e.Arm(20*time.Millisecond, func() { fired <- struct{}{} })
	e.StopTimer()

	select {
	case <-fired:
		t.Fatal("timer fired after stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestFinishIsIdempotentAndAbortWins(t *testing.T) {
	e := newEntry("1-1")
	e.Finish()
	e.Finish() // must not panic on double close

	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.False(t, e.Aborted())

	a := newEntry("2-1")
	a.Abort()
	a.Finish()
	assert.True(t, a.Aborted())
}

func TestTableConcurrentAccess(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a'+n%26)) + "-x"
			_ = tbl.Insert(id, newEntry(id))
			tbl.Peek(id)
			tbl.Take(id)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, tbl.Len())
}
