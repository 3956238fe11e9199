package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/capability"
	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
	"github.com/TobiSchelling/caremonitor/internal/notify"
	"github.com/TobiSchelling/caremonitor/internal/timeline"
)

const (
	StepPersist  = "persist"
	StepTimeline = "timeline"
	StepNotify   = "notify"
)

// Store is everything a full analysis writes to.
type Store interface {
	timeline.Store
	notify.Store
	PersistAnalysis(ctx context.Context, rec analysis.Record) (string, error)
}

// Analysis is the outcome of one transcript run end to end.
type Analysis struct {
	Record       analysis.Record
	Steps        []StepResult
	Timeline     timeline.Outcome
	Notification *database.Notification
}

// Pipeline runs the scheduler and then records its result: the analysis
// document, its place on the parent timeline and, when flagged, a
// notification.
type Pipeline struct {
	scheduler *Scheduler
	store     Store
	timeline  *timeline.Engine
	notifier  *notify.Notifier
	logger    *zap.Logger
}

// New wires a pipeline from configuration. pub may be nil to store
// notifications without fan-out.
func New(cfg *config.Config, store Store, set *capability.Set, pub notify.Publisher, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	stages := BuildStages(set, cfg.Categories, cfg.Pipeline.Translation, cfg.LLM.MaxTokens, logger)
	sched := NewScheduler(stages, Options{
		StageTimeout:   cfg.Pipeline.StageTimeout(),
		LLMTimeout:     cfg.Pipeline.LLMTimeout(),
		OverallTimeout: cfg.Pipeline.OverallTimeout(),
	}, logger, m)
	return Assemble(sched, store,
		timeline.NewFromConfig(store, cfg, logger, m),
		notify.New(store, pub, logger, m),
		logger,
	)
}

// Assemble builds a pipeline from already constructed parts.
func Assemble(sched *Scheduler, store Store, tl *timeline.Engine, n *notify.Notifier, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{scheduler: sched, store: store, timeline: tl, notifier: n, logger: logger}
}

// Analyze runs one transcript. Aborts and timeouts come back unchanged from
// the scheduler; storage failures wrap database.ErrStorage. Stage failures
// only show up as error markers on the record.
func (p *Pipeline) Analyze(ctx context.Context, userID, text string, ts time.Time) (*Analysis, error) {
	res, err := p.scheduler.Run(ctx, userID, text, ts)
	if err != nil {
		return nil, err
	}
	rec := res.Context.Record()
	out := &Analysis{Record: rec, Steps: res.Steps}
	log := p.logger.With(zap.String("analysis_id", rec.ID), zap.String("user_id", userID))

	start := time.Now()
	if _, err := p.store.PersistAnalysis(ctx, rec); err != nil {
		log.Error("persisting analysis failed", zap.Error(err))
		return nil, fmt.Errorf("analysis %s: %w", rec.ID, err)
	}
	out.Steps = append(out.Steps, StepResult{Name: StepPersist, Summary: "stored", Duration: time.Since(start)})

	start = time.Now()
	tl, err := p.timeline.Apply(ctx, rec, rec.Timestamp)
	if err != nil {
		log.Error("timeline update failed", zap.Error(err))
		return nil, fmt.Errorf("analysis %s: %w", rec.ID, err)
	}
	out.Timeline = tl
	out.Steps = append(out.Steps, StepResult{Name: StepTimeline, Summary: describeTimeline(tl), Duration: time.Since(start)})

	if !rec.SendNotification {
		return out, nil
	}
	start = time.Now()
	note, err := p.notifier.Notify(ctx, rec)
	if err != nil {
		log.Error("storing notification failed", zap.Error(err))
		return nil, fmt.Errorf("analysis %s: %w", rec.ID, err)
	}
	out.Notification = note
	out.Steps = append(out.Steps, StepResult{
		Name:     StepNotify,
		Summary:  fmt.Sprintf("notification %d stored", note.ID),
		Duration: time.Since(start),
	})
	return out, nil
}

func describeTimeline(o timeline.Outcome) string {
	if o.Episode == nil {
		return string(o.Action)
	}
	return fmt.Sprintf("%s episode %d (%s, %d interactions)", o.Action, o.Episode.ID, o.Episode.CategoryGroup, o.Episode.Count)
}
