package gorevise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/model"
)

// ErrJanitorRunning is returned by StartJanitor when a janitor is active.
var ErrJanitorRunning = errors.New("gorevise: janitor already running")

// janitorTimeout bounds one janitor run.
const janitorTimeout = 5 * time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Janitor periodically sweeps expired trash, drops expired cache entries
// and refreshes the storage gauges.
type Janitor struct {
	engine *Engine
	cron   *cron.Cron
	spec   string

	mu   sync.Mutex
	last JanitorReport
}

// JanitorReport describes one janitor run.
type JanitorReport struct {
	RanAt        time.Time             `json:"ran_at"`
	Sweep        knowledge.SweepReport `json:"sweep"`
	SweepSkipped bool                  `json:"sweep_skipped"`
	CachePurged  int                   `json:"cache_purged"`
	Live         int                   `json:"live"`
	Trash        int                   `json:"trash"`
	Err          error                 `json:"-"`
}

// StartJanitor schedules the janitor with a standard five-field cron spec
// or a descriptor such as "@daily". An empty spec uses Config.JanitorSpec.
func (e *Engine) StartJanitor(spec string) (*Janitor, error) {
	if spec == "" {
		spec = e.config.JanitorSpec
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("%w: janitor schedule %q: %v", model.ErrValidation, spec, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.janitor != nil {
		return nil, ErrJanitorRunning
	}

	logger := cronLogger{e.logger.Sugar().Named("janitor")}
	j := &Janitor{engine: e, spec: spec}
	j.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(e.config.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := j.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), janitorTimeout)
		defer cancel()
		j.RunNow(ctx)
	}); err != nil {
		return nil, fmt.Errorf("%w: janitor schedule %q: %v", model.ErrValidation, spec, err)
	}
	j.cron.Start()
	e.janitor = j

	e.logger.Info("janitor started", zap.String("spec", spec))
	return j, nil
}

// Spec returns the janitor's schedule.
func (j *Janitor) Spec() string { return j.spec }

// Next returns the next scheduled run.
func (j *Janitor) Next() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Last returns the most recent run's report.
func (j *Janitor) Last() JanitorReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// RunNow performs one janitor pass immediately. A sweep refused by the
// sweep rate limit is reported as skipped rather than failed. On a closed
// Engine it touches nothing and reports ErrClosed.
func (j *Janitor) RunNow(ctx context.Context) JanitorReport {
	e := j.engine
	report := JanitorReport{RanAt: e.config.Clock()}
	if e.isClosed() {
		report.Err = ErrClosed
		j.setLast(report)
		return report
	}
	report.CachePurged = e.cache.PurgeExpired()

	sweep, err := e.SweepTrash(ctx, knowledge.SweepOptions{})
	switch {
	case errors.Is(err, model.ErrRateLimited):
		report.SweepSkipped = true
	case err != nil:
		report.Err = err
	default:
		report.Sweep = sweep
	}

	// Close may have won the race with the sweep.
	if !errors.Is(report.Err, ErrClosed) {
		live, trash, err := e.refreshStorageGauges(ctx)
		if err != nil && report.Err == nil {
			report.Err = err
		}
		report.Live, report.Trash = live, trash
	}

	if report.Err != nil {
		e.logger.Error("janitor run failed", zap.Error(report.Err))
	} else {
		e.logger.Info("janitor run finished",
			zap.Int("purged", len(report.Sweep.Purged)),
			zap.Bool("sweep_skipped", report.SweepSkipped),
			zap.Int("cache_purged", report.CachePurged),
			zap.Int("live", report.Live),
			zap.Int("trash", report.Trash))
	}

	j.setLast(report)
	return report
}

func (j *Janitor) setLast(report JanitorReport) {
	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
}

// Stop unschedules the janitor and waits for a running pass to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()

	e := j.engine
	e.mu.Lock()
	if e.janitor == j {
		e.janitor = nil
	}
	e.mu.Unlock()
}

func (e *Engine) refreshStorageGauges(ctx context.Context) (live, trash int, err error) {
	points, err := e.repo.ListLive(ctx)
	if err != nil {
		return 0, 0, err
	}
	deleted, err := e.repo.ListDeleted(ctx)
	if err != nil {
		return len(points), 0, err
	}
	e.metrics.SetStorageCount(ctx, "live", int64(len(points)))
	e.metrics.SetStorageCount(ctx, "trash", int64(len(deleted)))
	return len(points), len(deleted), nil
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
