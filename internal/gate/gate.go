// Package gate decides whether an incoming lifecycle update warrants a
// recognition dispatch, and reserves the attempt atomically when it does.
package gate

import (
	"time"

	"github.com/rs/zerolog"

	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/tracker"
)

// Reason explains a dispatch decision.
type Reason string

const (
	ReasonFirstSighting Reason = "first_sighting"
	ReasonScoreDelta    Reason = "score_delta"
	ReasonEndOfEvent    Reason = "end_of_event"
	ReasonAlways        Reason = "always"

	ReasonFinalized  Reason = "finalized"
	ReasonAttemptCap Reason = "attempt_cap"
	ReasonDuplicate  Reason = "duplicate"
	ReasonBelowDelta Reason = "below_delta"
)

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Dispatch bool
	Reason   Reason
}

// Config holds the gating knobs. A zero ScoreDeltaThreshold means
// "dispatch on every non-duplicate update"; a zero MaxAttempts means
// unlimited attempts.
type Config struct {
	ScoreDeltaThreshold float64
	MaxAttempts         int
}

// Decide is the pure decision function, evaluated against the outcome of
// the tracker update that this same message produced.
//
// The attempt cap is a hard ceiling: it suppresses every positive rule,
// including the END override. Below the cap, an END update always gets
// one last dispatch even when the delta rule would suppress it.
func Decide(o tracker.UpdateOutcome, cfg Config) Decision {
	if o.WasFinalized {
		return Decision{Reason: ReasonFinalized}
	}
	if cfg.MaxAttempts > 0 && o.Event.AttemptsMade >= cfg.MaxAttempts {
		return Decision{Reason: ReasonAttemptCap}
	}
	if o.JustFinalized {
		return Decision{Dispatch: true, Reason: ReasonEndOfEvent}
	}
	if o.Duplicate {
		return Decision{Reason: ReasonDuplicate}
	}
	if o.FirstSighting {
		return Decision{Dispatch: true, Reason: ReasonFirstSighting}
	}
	if cfg.ScoreDeltaThreshold > 0 {
		if o.IncomingTopScore-o.PrevTopScore >= cfg.ScoreDeltaThreshold {
			return Decision{Dispatch: true, Reason: ReasonScoreDelta}
		}
		return Decision{Reason: ReasonBelowDelta}
	}
	return Decision{Dispatch: true, Reason: ReasonAlways}
}

// Gate couples the decision function to a tracker so that the tracker
// update, the decision and the attempt reservation happen as one atomic
// step per event id.
type Gate struct {
	tracker *tracker.Tracker
	cfg     Config
	log     zerolog.Logger
}

func New(tr *tracker.Tracker, cfg Config, log zerolog.Logger) *Gate {
	return &Gate{tracker: tr, cfg: cfg, log: log}
}

// Admit applies the update and returns the decision. On a positive
// decision the event's AttemptsMade has already been incremented.
func (g *Gate) Admit(ev plate.LifecycleEvent, now time.Time) (tracker.UpdateOutcome, Decision) {
	var decision Decision
	outcome, _ := g.tracker.UpdateWith(ev.ID, ev.Type, ev.TopScore, now, func(o tracker.UpdateOutcome) bool {
		decision = Decide(o, g.cfg)
		return decision.Dispatch
	})
	g.log.Debug().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Bool("dispatch", decision.Dispatch).
		Str("reason", string(decision.Reason)).
		Int("attempts", outcome.Event.AttemptsMade).
		Msg("gate decision")
	return outcome, decision
}
