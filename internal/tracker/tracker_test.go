package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-watcher/internal/domain/plate"
)

func newTestTracker(ttl time.Duration) *Tracker {
	return New(ttl, zerolog.Nop())
}

func TestUpdateFirstSighting(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()

	out := tr.Update("ev1", plate.UpdateNew, 0.5, now)

	assert.True(t, out.FirstSighting)
	assert.False(t, out.Duplicate)
	assert.Equal(t, 0.5, out.Event.LastTopScore)
	assert.Equal(t, plate.UpdateNew, out.Event.LastUpdateType)
	assert.Equal(t, 0, out.Event.AttemptsMade)
	assert.Equal(t, 1, tr.Len())
}

func TestUpdateKeepsMaxScore(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()

	tr.Update("ev1", plate.UpdateNew, 0.8, now)
	out := tr.Update("ev1", plate.UpdateUpdate, 0.6, now.Add(time.Second))

	assert.False(t, out.FirstSighting)
	assert.Equal(t, 0.8, out.Event.LastTopScore)
	assert.Equal(t, 0.6, out.IncomingTopScore)
	assert.Equal(t, 0.8, out.PrevTopScore)
	assert.Equal(t, plate.UpdateUpdate, out.Event.LastUpdateType)
}

func TestDuplicateDelivery(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()

	tr.Update("ev1", plate.UpdateUpdate, 0.7, now)
	later := now.Add(2 * time.Second)
	out := tr.Update("ev1", plate.UpdateUpdate, 0.7, later)

	assert.True(t, out.Duplicate)
	assert.Equal(t, later, out.Event.LastSeenAt, "duplicates still refresh last seen time")

	// A lower score with the same type is also a duplicate.
	out = tr.Update("ev1", plate.UpdateUpdate, 0.5, later)
	assert.True(t, out.Duplicate)

	// A higher score is not.
	out = tr.Update("ev1", plate.UpdateUpdate, 0.9, later)
	assert.False(t, out.Duplicate)
}

func TestEndFinalizes(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()

	tr.Update("ev1", plate.UpdateNew, 0.5, now)
	out := tr.Update("ev1", plate.UpdateEnd, 0.5, now)
	assert.True(t, out.JustFinalized)
	assert.False(t, out.WasFinalized)
	assert.True(t, out.Event.Finalized)

	// A redelivered END is tracked but never "just finalized" again.
	out = tr.Update("ev1", plate.UpdateEnd, 0.5, now)
	assert.False(t, out.JustFinalized)
	assert.True(t, out.WasFinalized)
}

func TestReserveIsAtomic(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()
	const maxAttempts = 5

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.UpdateWith("ev1", plate.UpdateUpdate, 0.9, now, func(o UpdateOutcome) bool {
				return o.Event.AttemptsMade < maxAttempts
			})
		}()
	}
	wg.Wait()

	ev, ok := tr.Get("ev1")
	require.True(t, ok)
	assert.Equal(t, maxAttempts, ev.AttemptsMade, "attempts never exceed the cap under contention")
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	tr := newTestTracker(time.Minute)
	base := time.Now()

	tr.Update("stale", plate.UpdateNew, 0.5, base)
	tr.Update("fresh", plate.UpdateNew, 0.5, base.Add(50*time.Second))

	evicted := tr.Sweep(base.Add(70 * time.Second))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, tr.Len())

	_, ok := tr.Get("stale")
	assert.False(t, ok)
	_, ok = tr.Get("fresh")
	assert.True(t, ok)

	// A post-eviction update for the stale id is a first sighting again.
	out := tr.Update("stale", plate.UpdateUpdate, 0.6, base.Add(80*time.Second))
	assert.True(t, out.FirstSighting)
	assert.Equal(t, 0, out.Event.AttemptsMade)
}

func TestConcurrentUpdatesDistinctIDs(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			tr.Update(id, plate.UpdateUpdate, float64(n)/200, now)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 26, tr.Len())
}
