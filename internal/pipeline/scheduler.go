package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/decision"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
	"github.com/TobiSchelling/caremonitor/internal/transcript"
)

var (
	// ErrPipelineAbort means no meaningful analysis could be produced.
	ErrPipelineAbort = errors.New("pipeline aborted")
	// ErrEmptyTranscript is the abort raised for blank input.
	ErrEmptyTranscript = fmt.Errorf("%w: transcript is empty", ErrPipelineAbort)
	// ErrPipelineTimeout is returned when the whole run exceeds its budget.
	ErrPipelineTimeout = errors.New("pipeline timed out")
)

// Stage is one capability call in the pipeline. Run must not modify in.
// Fallback is merged in place of Run's output when Run fails.
type Stage interface {
	Name() string
	Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error)
	Fallback() analysis.Partial
}

// Stages is the fixed topology. Wave1 order is the merge order.
type Stages struct {
	Language     Stage
	Wave1        []Stage
	Caregiver    Stage
	Notification Stage
}

// Options bound each call and the whole run.
type Options struct {
	StageTimeout   time.Duration
	LLMTimeout     time.Duration
	OverallTimeout time.Duration
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name     string
	Summary  string
	Err      error
	Duration time.Duration
}

// Result holds the results of a full pipeline run.
type Result struct {
	Context *analysis.Context
	Steps   []StepResult
}

// Degraded reports whether any step fell back to defaults.
func (r *Result) Degraded() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Outcome is what a wrapped stage call produced. A failed call carries the
// stage's fallback partial and the error.
type Outcome struct {
	Stage    string
	Partial  analysis.Partial
	Err      error
	Duration time.Duration
}

// Scheduler runs the wave topology over one transcript.
type Scheduler struct {
	stages  Stages
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	newID func() string
	now   func() time.Time
}

// NewScheduler creates a scheduler. logger and m may be nil.
func NewScheduler(stages Stages, opts Options, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 120 * time.Second
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 5 * time.Minute
	}
	return &Scheduler{
		stages:  stages,
		opts:    opts,
		logger:  logger,
		metrics: m,
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// Run analyses one transcript. It returns an error only when the run aborts
// or times out; stage failures degrade the result instead.
func (s *Scheduler) Run(ctx context.Context, userID, text string, ts time.Time) (*Result, error) {
	start := s.now()
	if transcript.IsBlank(text) {
		s.metrics.ObservePipeline("aborted", 0)
		return nil, ErrEmptyTranscript
	}
	if ts.IsZero() {
		ts = start
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OverallTimeout)
	defer cancel()

	c := analysis.New(s.newID(), userID, text, ts)
	res := &Result{Context: c}
	log := s.logger.With(zap.String("analysis_id", c.ID), zap.String("user_id", userID))

	// Wave 0: language normalization
	if s.stages.Language != nil {
		out := s.call(ctx, s.stages.Language, c, s.opts.LLMTimeout)
		if err := s.abortOn(out); err != nil {
			return s.fail(log, start, err)
		}
		s.apply(c, res, out, log)
	}
	if err := s.checkDeadline(ctx); err != nil {
		return s.fail(log, start, err)
	}

	// Wave 1: independent classifiers, merged in declared order
	outcomes := s.runConcurrent(ctx, s.stages.Wave1, c)
	for _, out := range outcomes {
		if err := s.abortOn(out); err != nil {
			return s.fail(log, start, err)
		}
	}
	for _, out := range outcomes {
		s.apply(c, res, out, log)
	}
	if err := s.checkDeadline(ctx); err != nil {
		return s.fail(log, start, err)
	}

	// Wave 2: caregiver scoring
	if s.stages.Caregiver != nil {
		s.apply(c, res, s.call(ctx, s.stages.Caregiver, c, s.opts.LLMTimeout), log)
	}
	if err := s.checkDeadline(ctx); err != nil {
		return s.fail(log, start, err)
	}

	// Wave 3: decision
	c.Decision = decision.Decide(decision.InputFrom(c))
	s.metrics.ObserveDecision(c.Decision.Notify, c.Decision.Abuse)
	res.Steps = append(res.Steps, StepResult{Name: StageDecision, Summary: c.Decision.Reason})

	// Wave 4: notification text, only when notifying
	switch {
	case !c.Decision.Notify:
		c.Notification = analysis.Notification{Recommendations: []analysis.Recommendation{}}
		res.Steps = append(res.Steps, StepResult{Name: StageNotification, Summary: "skipped: no notification needed"})
	case s.stages.Notification != nil:
		s.apply(c, res, s.call(ctx, s.stages.Notification, c, s.opts.LLMTimeout), log)
	}
	if err := s.checkDeadline(ctx); err != nil {
		return s.fail(log, start, err)
	}

	outcome := "ok"
	if res.Degraded() {
		outcome = "degraded"
	}
	s.metrics.ObservePipeline(outcome, s.now().Sub(start))
	log.Debug("pipeline complete",
		zap.String("outcome", outcome),
		zap.Strings("failed_stages", c.FailedStages()),
		zap.String("signals", decision.DescribeInput(decision.InputFrom(c))),
	)
	return res, nil
}

// runConcurrent runs stages in parallel behind an all-complete barrier. The
// returned outcomes are in stage order regardless of completion order.
func (s *Scheduler) runConcurrent(ctx context.Context, stages []Stage, c *analysis.Context) []Outcome {
	outcomes := make([]Outcome, len(stages))

	var g errgroup.Group
	for i, st := range stages {
		g.Go(func() error {
			outcomes[i] = s.call(ctx, st, c, s.opts.StageTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// call runs one stage under its own timeout on a private copy of c. Errors,
// panics and timeouts all turn into the stage's fallback.
func (s *Scheduler) call(ctx context.Context, st Stage, c *analysis.Context, timeout time.Duration) Outcome {
	start := time.Now()
	name := st.Name()
	in := c.Clone()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Stage: name, Err: fmt.Errorf("stage %s panicked: %v", name, r)}
			}
		}()
		p, err := st.Run(sctx, in)
		done <- Outcome{Stage: name, Partial: p, Err: err}
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-sctx.Done():
		out = Outcome{Stage: name, Err: fmt.Errorf("stage %s: %w", name, sctx.Err())}
	}
	if out.Err != nil {
		out.Partial = st.Fallback()
	}
	out.Duration = time.Since(start)
	s.metrics.ObserveStage(name, out.Duration, out.Err != nil)
	return out
}

func (s *Scheduler) apply(c *analysis.Context, res *Result, out Outcome, log *zap.Logger) {
	c.Merge(out.Partial)
	step := StepResult{Name: out.Stage, Duration: out.Duration, Err: out.Err}
	if out.Err != nil {
		c.MarkError(out.Stage, out.Err)
		step.Summary = "failed, using defaults"
		log.Warn("stage failed", zap.String("stage", out.Stage), zap.Error(out.Err))
	} else {
		step.Summary = "ok"
	}
	res.Steps = append(res.Steps, step)
}

func (s *Scheduler) abortOn(out Outcome) error {
	if out.Err != nil && errors.Is(out.Err, ErrPipelineAbort) {
		return out.Err
	}
	return nil
}

func (s *Scheduler) checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPipelineTimeout, err)
	}
	return nil
}

func (s *Scheduler) fail(log *zap.Logger, start time.Time, err error) (*Result, error) {
	outcome := "aborted"
	if errors.Is(err, ErrPipelineTimeout) {
		outcome = "timeout"
	}
	s.metrics.ObservePipeline(outcome, s.now().Sub(start))
	log.Error("pipeline "+outcome, zap.Error(err))
	return nil, err
}
