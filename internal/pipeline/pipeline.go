// Package pipeline orchestrates the event flow: admission, correlation
// tracking, dispatch gating, recognition, watch-list resolution and
// result fan-out.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"plate-watcher/internal/dispatch"
	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/gate"
	"plate-watcher/internal/history"
	"plate-watcher/internal/match"
	"plate-watcher/internal/metrics"
	"plate-watcher/internal/tracker"
)

// Publisher republishes the enriched result to the message bus.
type Publisher interface {
	PublishResult(ctx context.Context, msg plate.Message) error
}

// Recorder persists detections; inserting an already-seen event id must
// be a no-op.
type Recorder interface {
	Record(ctx context.Context, det history.RecordedDetection) (bool, error)
}

// SnapshotSource fetches event images from the NVR.
type SnapshotSource interface {
	Snapshot(ctx context.Context, eventID string, cropped bool) ([]byte, error)
}

// SubLabeler writes the recognized plate back onto the NVR event.
type SubLabeler interface {
	SetSubLabel(ctx context.Context, eventID, subLabel string, score float64) error
}

// SnapshotSink saves a copy of the snapshot to local storage.
type SnapshotSink interface {
	Save(camera, plateNumber string, ts time.Time, image []byte) error
}

// Submitter admits a dispatch job to the bounded worker pool.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) error
}

// Config holds the pipeline's admission and publishing knobs.
type Config struct {
	Cameras              []string
	Zones                []string
	Objects              []string
	FrigatePlus          bool
	LicensePlateMinScore float64
	MinScore             float64
	SaveSnapshots        bool
	AlwaysSaveSnapshot   bool
}

type Pipeline struct {
	cfg        Config
	tracker    *tracker.Tracker
	gate       *gate.Gate
	dispatcher Submitter
	matcher    *match.Matcher
	snapshots  SnapshotSource
	sublabels  SubLabeler
	publisher  Publisher
	recorder   Recorder
	sink       SnapshotSink
	log        zerolog.Logger
}

func New(
	cfg Config,
	tr *tracker.Tracker,
	g *gate.Gate,
	dispatcher Submitter,
	matcher *match.Matcher,
	snapshots SnapshotSource,
	sublabels SubLabeler,
	publisher Publisher,
	recorder Recorder,
	sink SnapshotSink,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		tracker:    tr,
		gate:       g,
		dispatcher: dispatcher,
		matcher:    matcher,
		snapshots:  snapshots,
		sublabels:  sublabels,
		publisher:  publisher,
		recorder:   recorder,
		sink:       sink,
		log:        log,
	}
}

// HandleEvent processes one ingested lifecycle event. It never blocks
// on recognition latency: admitted work is queued and completed by the
// dispatcher's workers.
func (p *Pipeline) HandleEvent(ctx context.Context, ev plate.LifecycleEvent) {
	result := p.process(ctx, ev)
	metrics.ProcessedEvents.WithLabelValues(result).Inc()
}

func (p *Pipeline) process(ctx context.Context, ev plate.LifecycleEvent) string {
	if reason, ok := p.admit(ev); !ok {
		p.log.Debug().Str("event_id", ev.ID).Str("reason", reason).Msg("event not admitted")
		return reason
	}

	outcome, decision := p.gate.Admit(ev, time.Now())
	metrics.TrackedEvents.Set(float64(p.tracker.Len()))
	if !decision.Dispatch {
		return string(decision.Reason)
	}

	// The image is fetched inside the worker and kept for the snapshot
	// sink so the recognition retries reuse one download.
	var image []byte
	job := dispatch.Job{
		ID:      uuid.New(),
		EventID: ev.ID,
		Fetch: func(ctx context.Context) ([]byte, error) {
			img, err := p.snapshots.Snapshot(ctx, ev.ID, true)
			if err == nil {
				image = img
			}
			return img, err
		},
		Done: func(res *plate.RecognitionResult, err error) {
			p.onDispatchDone(ctx, ev, res, err, image)
		},
	}

	if err := p.dispatcher.Submit(ctx, job); err != nil {
		if errors.Is(err, dispatch.ErrCapacityExceeded) {
			p.log.Warn().
				Str("event_id", ev.ID).
				Msg("dispatch queue full, event stays tracked for the next update")
			return "capacity_exceeded"
		}
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("dispatch submit failed")
		return "submit_failed"
	}

	p.log.Debug().
		Str("event_id", ev.ID).
		Str("dispatch_id", job.ID.String()).
		Str("reason", string(decision.Reason)).
		Int("attempt", outcome.Event.AttemptsMade).
		Msg("dispatched recognition call")
	return "dispatched"
}

// onDispatchDone runs in a worker goroutine once the recognition call
// has a terminal outcome. Failures are recorded and absorbed: the event
// stays tracked, and its already-consumed attempt is not refunded.
func (p *Pipeline) onDispatchDone(ctx context.Context, ev plate.LifecycleEvent, res *plate.RecognitionResult, err error, image []byte) {
	if err != nil {
		class := dispatch.ClassTransient
		var callErr *dispatch.CallError
		if errors.As(err, &callErr) {
			class = callErr.Class
		}
		metrics.EngineErrors.WithLabelValues(string(class)).Inc()
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("recognition dispatch failed")
		return
	}

	if res.Empty() {
		p.log.Debug().Str("event_id", ev.ID).Msg("no plate found")
		p.saveSnapshot(ev, "", image)
		return
	}

	outcome := p.matcher.Resolve(*res)

	// A fuzzy watch-list hit overrides the minimum-score gate: a noisy
	// reading of a watched plate is still worth reporting.
	if p.cfg.MinScore > 0 && res.Score < p.cfg.MinScore && outcome.Method != plate.MatchFuzzy {
		p.log.Info().
			Str("event_id", ev.ID).
			Str("plate", res.Plate).
			Float64("score", res.Score).
			Float64("min_score", p.cfg.MinScore).
			Msg("score below minimum")
		p.saveSnapshot(ev, "", image)
		return
	}

	best := outcome.BestPlate()
	score := res.Score
	if outcome.Method == plate.MatchCandidateExact && outcome.MatchedScore > 0 {
		score = outcome.MatchedScore
	}

	msg := plate.Message{
		PlateNumber:    best,
		Score:          score,
		EventID:        ev.ID,
		CameraName:     ev.Camera,
		StartTime:      ev.StartTime.Format("2006-01-02 15:04:05"),
		Method:         string(outcome.Method),
		IsWatchedPlate: outcome.Matched(),
	}
	if outcome.Matched() {
		msg.OriginalPlate = outcome.OriginalPlate
	}
	if outcome.Method == plate.MatchFuzzy {
		fuzzy := outcome.FuzzyScore
		msg.FuzzyScore = &fuzzy
	}

	if err := p.publisher.PublishResult(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to publish plate message")
	}

	stored, err := p.recorder.Record(ctx, history.RecordedDetection{
		EventID:    ev.ID,
		Camera:     ev.Camera,
		Result:     *res,
		Outcome:    outcome,
		DetectedAt: ev.StartTime,
		RawPayload: ev.Raw,
	})
	if err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to record detection")
	} else if !stored {
		p.log.Debug().Str("event_id", ev.ID).Msg("detection already recorded")
	}

	if err := p.sublabels.SetSubLabel(ctx, ev.ID, best, score); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to set sub_label")
	}

	p.saveSnapshot(ev, best, image)
}

func (p *Pipeline) saveSnapshot(ev plate.LifecycleEvent, plateNumber string, image []byte) {
	if p.sink == nil || len(image) == 0 {
		return
	}
	if plateNumber == "" && !p.cfg.AlwaysSaveSnapshot {
		return
	}
	if plateNumber != "" && !p.cfg.SaveSnapshots && !p.cfg.AlwaysSaveSnapshot {
		return
	}
	if err := p.sink.Save(ev.Camera, plateNumber, ev.StartTime, image); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to save snapshot")
	}
}
