// Package reconcile drives the scrape -> account -> publish pipeline.
//
// Two paths end in the same merge+publish step: the periodic pass run by
// Run, and Sync, which user mutations call directly. Both read the eligible
// users from the store at call time, so whichever publish lands last carries
// a view no older than its own read.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigbes/telemt-panel/internal/metrics"
	"github.com/bigbes/telemt-panel/internal/statsdb"
	"github.com/bigbes/telemt-panel/internal/telemetry"
	"github.com/bigbes/telemt-panel/internal/telemtconf"
)

const DefaultInterval = 30 * time.Second

// Store is the part of statsdb the reconciler needs.
type Store interface {
	EligibleUsers(ctx context.Context, now time.Time) ([]statsdb.User, error)
	ApplyUsage(ctx context.Context, b statsdb.UsageBatch) (statsdb.UsageResult, error)
}

// Fetcher returns the raw metrics text of one scrape.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Stage names the pipeline step a pass failed in.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StagePersist Stage = "persist"
	StagePublish Stage = "publish"
)

// PassKind is the outcome class of a periodic pass.
type PassKind int

const (
	PassOK PassKind = iota
	// PassTransientFailure means the pass stopped early; the next tick
	// starts over from a fresh scrape.
	PassTransientFailure
)

func (k PassKind) String() string {
	if k == PassOK {
		return "ok"
	}
	return "transient_failure"
}

// PassResult describes one periodic pass.
type PassResult struct {
	Kind     PassKind
	Stage    Stage // set on failure
	Err      error // set on failure
	Scraped  bool  // false when no fetcher is configured
	Deltas   int
	Recorded int
	Limited  []string
	Eligible int
	Duration time.Duration
}

func failed(stage Stage, err error) PassResult {
	return PassResult{Kind: PassTransientFailure, Stage: stage, Err: err}
}

type Options struct {
	Interval     time.Duration
	TemplatePath string
	TLSDomain    string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Reconciler owns the counter tracker and the config publisher.
type Reconciler struct {
	store        Store
	fetcher      Fetcher
	publisher    *telemtconf.Publisher
	tracker      *telemetry.Tracker
	interval     time.Duration
	templatePath string
	tlsDomain    string
	now          func() time.Time
	logger       *slog.Logger
	done         chan struct{}
}

// New creates a reconciler. fetcher may be nil, in which case periodic
// passes skip scraping and only republish.
func New(store Store, fetcher Fetcher, publisher *telemtconf.Publisher, opts Options, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		store:        store,
		fetcher:      fetcher,
		publisher:    publisher,
		tracker:      telemetry.NewTracker(),
		interval:     opts.Interval,
		templatePath: opts.TemplatePath,
		tlsDomain:    opts.TLSDomain,
		now:          opts.Now,
		logger:       logger.With("component", "reconcile"),
		done:         make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled. A pass in flight when ctx is cancelled
// runs to completion before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "scrape", r.fetcher != nil)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			res := r.RunPass(context.WithoutCancel(ctx))
			r.report(res)
		}
	}
}

// Done is closed when Run has returned.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until Run returns or timeout elapses. It reports whether Run
// finished in time.
func (r *Reconciler) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

func (r *Reconciler) report(res PassResult) {
	metrics.PassDuration.Observe(res.Duration.Seconds())
	if res.Kind == PassOK {
		metrics.PassesTotal.WithLabelValues("ok").Inc()
		r.logger.Debug("pass complete",
			"deltas", res.Deltas,
			"recorded", res.Recorded,
			"eligible", res.Eligible,
			"duration", res.Duration,
		)
		return
	}
	metrics.PassesTotal.WithLabelValues(string(res.Stage)).Inc()
	r.logger.Warn("pass failed", "stage", res.Stage, "err", res.Err, "duration", res.Duration)
}

// RunPass performs one fetch -> parse -> delta -> persist -> merge -> publish
// pass. It must not be called concurrently with itself or with Run, since
// the tracker it advances has a single owner.
func (r *Reconciler) RunPass(ctx context.Context) PassResult {
	start := time.Now()
	res := r.runPass(ctx)
	res.Duration = time.Since(start)
	return res
}

func (r *Reconciler) runPass(ctx context.Context) PassResult {
	var res PassResult

	if r.fetcher != nil {
		text, err := r.fetcher.Fetch(ctx)
		if err != nil {
			return failed(StageFetch, err)
		}
		scrape := telemetry.Parse(text)

		// The tracker advances before persistence: a failed write loses
		// this interval instead of double counting it on the next pass.
		deltas := r.tracker.Advance(scrape)
		now := r.now()
		batch := statsdb.UsageBatch{
			At: now,
			System: statsdb.SystemSnapshot{
				Uptime:           scrape.Uptime,
				TotalConnections: scrape.TotalConnections,
				BadConnections:   scrape.BadConnections,
				RecordedAt:       now,
			},
		}
		for _, d := range deltas {
			batch.Deltas = append(batch.Deltas, statsdb.UserDelta{
				Username:   d.Username,
				OctetsFrom: d.OctetsFrom,
				OctetsTo:   d.OctetsTo,
			})
		}

		applied, err := r.store.ApplyUsage(ctx, batch)
		if err != nil {
			return failed(StagePersist, err)
		}
		res.Scraped = true
		res.Deltas = len(deltas)
		res.Recorded = applied.Recorded
		res.Limited = applied.Limited

		recordUsage(deltas, applied)
		metrics.LastSuccessfulScrape.Set(float64(now.Unix()))
		for _, name := range applied.Limited {
			r.logger.Info("user reached data limit", "user", name)
		}
		if applied.Skipped > 0 {
			r.logger.Debug("deltas for unknown users skipped", "count", applied.Skipped)
		}
	}

	eligible, err := r.publish(ctx, "periodic")
	if err != nil {
		f := failed(StagePublish, err)
		f.Scraped, f.Deltas, f.Recorded, f.Limited = res.Scraped, res.Deltas, res.Recorded, res.Limited
		return f
	}
	res.Eligible = eligible
	res.Kind = PassOK
	return res
}

func recordUsage(deltas []telemetry.Delta, applied statsdb.UsageResult) {
	var from, to float64
	for _, d := range deltas {
		from += float64(d.OctetsFrom)
		to += float64(d.OctetsTo)
		if d.Reset {
			metrics.CounterResetsTotal.Inc()
		}
	}
	metrics.TrafficOctetsTotal.WithLabelValues("from_client").Add(from)
	metrics.TrafficOctetsTotal.WithLabelValues("to_client").Add(to)
	metrics.UsersLimitedTotal.Add(float64(len(applied.Limited)))
}

// Sync regenerates and publishes the telemt config from the current state
// of the store. Errors are returned so the caller can report them.
func (r *Reconciler) Sync(ctx context.Context) error {
	_, err := r.publish(ctx, "sync")
	return err
}

func (r *Reconciler) publish(ctx context.Context, trigger string) (int, error) {
	if !r.publisher.Enabled() {
		return 0, nil
	}
	n, err := r.mergeAndPublish(ctx)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(trigger, "error").Inc()
		return 0, err
	}
	metrics.PublishesTotal.WithLabelValues(trigger, "ok").Inc()
	metrics.EligibleUsers.Set(float64(n))
	return n, nil
}

func (r *Reconciler) mergeAndPublish(ctx context.Context) (int, error) {
	tmpl, err := telemtconf.LoadTemplate(r.templatePath, r.tlsDomain)
	if err != nil {
		return 0, err
	}
	now := r.now()
	users, err := r.store.EligibleUsers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reconcile: load eligible users: %w", err)
	}
	if err := r.publisher.Publish(telemtconf.Merge(tmpl, users, now)); err != nil {
		return 0, err
	}
	return len(users), nil
}
