package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/usersync/internal/store"
)

type testEntry struct {
	ID    string `cbor:"id"`
	Value string `cbor:"value"`
}

func (e testEntry) EntryID() string { return e.ID }

func ids(entries []testEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func claimAll(q *Queue[testEntry]) []testEntry {
	return q.Claim(func(testEntry, bool) bool { return true })
}

func TestQueue_AppendPersists(t *testing.T) {
	kv := store.NewMemory()
	q := NewQueue[testEntry]("test", kv, nil)

	q.Append(testEntry{ID: "a"})
	q.Append(testEntry{ID: "b"})

	var persisted []testEntry
	found, err := kv.Load(context.Background(), QueueKeyPrefix+"test", &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"a", "b"}, ids(persisted))
}

func TestQueue_RestoresWithoutInFlightMarkers(t *testing.T) {
	kv := store.NewMemory()
	q1 := NewQueue[testEntry]("test", kv, nil)
	q1.Append(testEntry{ID: "a", Value: "v"})
	claimed := claimAll(q1)
	require.Len(t, claimed, 1)

	q2 := NewQueue[testEntry]("test", kv, nil)
	assert.Equal(t, []testEntry{{ID: "a", Value: "v"}}, q2.Entries())
	assert.False(t, q2.IsInFlight("a"))
	assert.Len(t, claimAll(q2), 1)
}

func TestQueue_CorruptRecordStartsEmpty(t *testing.T) {
	kv := store.NewMemory()
	kv.PutRaw(QueueKeyPrefix+"test", []byte{0xff})

	q := NewQueue[testEntry]("test", kv, nil)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ClaimSkipsInFlight(t *testing.T) {
	q := NewQueue[testEntry]("test", store.NewMemory(), nil)
	q.Append(testEntry{ID: "a"})
	q.Append(testEntry{ID: "b"})

	first := q.Claim(func(e testEntry, _ bool) bool { return e.ID == "a" })
	assert.Equal(t, []string{"a"}, ids(first))

	second := claimAll(q)
	assert.Equal(t, []string{"b"}, ids(second))

	assert.Empty(t, claimAll(q))

	q.Release("a")
	assert.Equal(t, []string{"a"}, ids(claimAll(q)))
}

func TestQueue_CompleteRemovesAndReleases(t *testing.T) {
	q := NewQueue[testEntry]("test", store.NewMemory(), nil)
	q.Append(testEntry{ID: "a"})
	claimAll(q)

	assert.True(t, q.Complete("a"))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.InFlightCount())
	assert.False(t, q.Complete("a"))
}

func TestQueue_MutateSeesInFlight(t *testing.T) {
	q := NewQueue[testEntry]("test", store.NewMemory(), nil)
	q.Append(testEntry{ID: "a"})
	q.Append(testEntry{ID: "b"})
	q.Claim(func(e testEntry, _ bool) bool { return e.ID == "a" })

	q.Mutate(func(entries []testEntry, inFlight func(string) bool) []testEntry {
		var kept []testEntry
		for _, e := range entries {
			if inFlight(e.ID) {
				kept = append(kept, e)
			}
		}
		return kept
	})

	assert.Equal(t, []string{"a"}, ids(q.Entries()))
}

func TestQueue_Replace(t *testing.T) {
	q := NewQueue[testEntry]("test", store.NewMemory(), nil)
	q.Append(testEntry{ID: "a", Value: "old"})

	assert.True(t, q.Replace(testEntry{ID: "a", Value: "new"}))
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Value)

	assert.False(t, q.Replace(testEntry{ID: "missing"}))
}

func TestQueue_ConcurrentAppendClaimComplete(t *testing.T) {
	kv := store.NewMemory()
	q := NewQueue[testEntry]("test", kv, nil)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Append(testEntry{ID: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}

	var mu sync.Mutex
	completed := make(map[string]int)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, e := range claimAll(q) {
					if q.Complete(e.ID) {
						mu.Lock()
						completed[e.ID]++
						mu.Unlock()
					}
				}
			}
		}()
	}
	wg.Wait()

	for _, e := range claimAll(q) {
		require.True(t, q.Complete(e.ID))
		completed[e.ID]++
	}

	assert.Len(t, completed, writers*perWriter)
	for id, n := range completed {
		assert.Equal(t, 1, n, "entry %s completed more than once", id)
	}
	assert.Equal(t, 0, q.Len())
}
