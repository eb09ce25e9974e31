// Package tracker holds per-event correlation state for the dispatch
// pipeline. One TrackedEvent exists per upstream event id; entries are
// evicted after an idle TTL.
package tracker

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plate-watcher/internal/domain/plate"
)

const shardCount = 32

// TrackedEvent is the correlation state for one upstream event id.
type TrackedEvent struct {
	ID             string
	LastTopScore   float64
	AttemptsMade   int
	LastUpdateType plate.UpdateType
	LastSeenAt     time.Time
	Finalized      bool
}

// UpdateOutcome describes what a single update changed. Event is a copy
// of the entry after the update was applied.
type UpdateOutcome struct {
	Event         TrackedEvent
	FirstSighting bool
	// PrevTopScore is the tracked top score before this update.
	PrevTopScore float64
	// IncomingTopScore is the score carried by this update, which may be
	// below PrevTopScore and therefore not reflected in Event.LastTopScore.
	IncomingTopScore float64
	// WasFinalized is true when the entry had already been finalized
	// before this update arrived.
	WasFinalized bool
	// JustFinalized is true when this update is the END that latched the
	// finalized flag.
	JustFinalized bool
	// Duplicate marks a redelivery: same update type with an
	// equal-or-lower top score than already tracked.
	Duplicate bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*TrackedEvent
}

// Tracker is a sharded concurrent store of TrackedEvents. All
// read-modify-write sequences for one id run under that id's shard lock,
// and the lock is never held across I/O.
type Tracker struct {
	shards [shardCount]shard
	ttl    time.Duration
	log    zerolog.Logger
}

func New(ttl time.Duration, log zerolog.Logger) *Tracker {
	t := &Tracker{ttl: ttl, log: log}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*TrackedEvent)
	}
	return t
}

func (t *Tracker) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &t.shards[h.Sum32()%shardCount]
}

// Update applies one lifecycle update and returns what changed. The
// entry is created on first sighting. Duplicate deliveries refresh
// LastSeenAt only.
func (t *Tracker) Update(id string, typ plate.UpdateType, topScore float64, now time.Time) UpdateOutcome {
	out, _ := t.UpdateWith(id, typ, topScore, now, nil)
	return out
}

// UpdateWith is Update plus an atomic attempt reservation: when reserve
// is non-nil and returns true for the applied outcome, AttemptsMade is
// incremented inside the same critical section. This is what prevents
// two concurrent evaluations for one id from both consuming the same
// attempt slot.
func (t *Tracker) UpdateWith(id string, typ plate.UpdateType, topScore float64, now time.Time, reserve func(UpdateOutcome) bool) (UpdateOutcome, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.entries[id]
	out := UpdateOutcome{IncomingTopScore: topScore}

	if !ok {
		ev = &TrackedEvent{ID: id}
		s.entries[id] = ev
		out.FirstSighting = true
	} else {
		out.PrevTopScore = ev.LastTopScore
		out.WasFinalized = ev.Finalized
		out.Duplicate = typ == ev.LastUpdateType && topScore <= ev.LastTopScore
	}

	if topScore > ev.LastTopScore {
		ev.LastTopScore = topScore
	}
	ev.LastUpdateType = typ
	ev.LastSeenAt = now
	if typ == plate.UpdateEnd && !ev.Finalized {
		ev.Finalized = true
		out.JustFinalized = true
	}

	out.Event = *ev
	reserved := false
	if reserve != nil && reserve(out) {
		ev.AttemptsMade++
		out.Event = *ev
		reserved = true
	}
	return out, reserved
}

// Get returns a copy of the tracked state for id.
func (t *Tracker) Get(id string) (TrackedEvent, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.entries[id]
	if !ok {
		return TrackedEvent{}, false
	}
	return *ev, true
}

// Len reports the number of live entries across all shards.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep evicts entries idle longer than the TTL and returns how many
// were removed. Eviction runs under the shard lock, so it is linearized
// with concurrent updates for the same ids.
func (t *Tracker) Sweep(now time.Time) int {
	evicted := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, ev := range s.entries {
			if now.Sub(ev.LastSeenAt) > t.ttl {
				delete(s.entries, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		t.log.Debug().Int("evicted", evicted).Int("remaining", t.Len()).Msg("evicted stale tracked events")
	}
	return evicted
}

// Run sweeps periodically until ctx-style done is closed.
func (t *Tracker) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
