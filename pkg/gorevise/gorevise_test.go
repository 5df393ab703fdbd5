package gorevise

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dan-solli/gorevise/pkg/cache"
	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/metrics"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/store"
	"github.com/dan-solli/gorevise/pkg/trace"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, backend string, cfg Config) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	dir := t.TempDir()
	cfg.Backend = backend
	cfg.FilePath = filepath.Join(dir, "points.json")
	cfg.DBPath = filepath.Join(dir, "points.db")
	cfg.Clock = clock.Now
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, clock
}

func forEachBackend(t *testing.T, cfg Config, fn func(t *testing.T, e *Engine, clock *testClock)) {
	for _, backend := range []string{store.BackendFile, store.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			e, clock := newTestEngine(t, backend, cfg)
			fn(t, e, clock)
		})
	}
}

func graded(key string, cat model.Category) model.GradedError {
	return model.GradedError{
		KeyPointSummary: key,
		Category:        cat,
		OriginalPhrase:  "wrong " + key,
		Correction:      "right " + key,
		Explanation:     "because",
		Severity:        2,
	}
}

func mustRecord(t *testing.T, e *Engine, key string, cat model.Category, outcome model.Outcome) knowledge.Result {
	t.Helper()
	res, err := e.RecordOutcome(context.Background(), "u1", graded(key, cat), outcome)
	require.NoError(t, err)
	return res
}

func TestNew_Backends(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		assert.Equal(t, e.Config().Backend, e.Backend())
	})

	_, err := New(Config{Backend: "postgres"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = NewWithRepository(Config{}, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestNew_DefaultsApplied(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, store.BackendFile, cfg.Backend)
	assert.Equal(t, DefaultFilePath, cfg.FilePath)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultJanitorSpec, cfg.JanitorSpec)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.NotNil(t, cfg.Clock)
}

func TestNewWithRepository(t *testing.T) {
	repo, err := store.NewSQLiteRepository(":memory:", store.SQLiteOptions{})
	require.NoError(t, err)

	e, err := NewWithRepository(Config{Backend: store.BackendFile}, repo)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, store.BackendSQLite, e.Backend())
	assert.Equal(t, store.BackendSQLite, e.Config().Backend)
}

func TestGetStatistics_CachedUntilWrite(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		mustRecord(t, e, "articles", model.Systematic, model.Incorrect)

		st, err := e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Total)

		st, err = e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Total)
		info, ok := e.cache.Entry(cache.Statistics, keyStatistics)
		require.True(t, ok)
		assert.Equal(t, int64(1), info.Hits)

		mustRecord(t, e, "plurals", model.Systematic, model.Incorrect)
		_, ok = e.cache.Entry(cache.Statistics, keyStatistics)
		assert.False(t, ok, "create must invalidate statistics")

		st, err = e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Total)
	})
}

func TestInvalidationScopes(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		res := mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		id := res.Point.ID

		warm := func() {
			t.Helper()
			_, err := e.GetStatistics(ctx)
			require.NoError(t, err)
			_, err = e.ListKnowledgePoints(ctx)
			require.NoError(t, err)
			_, err = e.GetReviewCandidates(ctx, 10)
			require.NoError(t, err)
			_, err = e.Search(ctx, "articles", 10)
			require.NoError(t, err)
			_, err = e.GetUserSettings(ctx, "u1")
			require.NoError(t, err)
		}
		cached := func() map[cache.Category]bool {
			out := make(map[cache.Category]bool)
			for cat, n := range e.CacheStats().ByCategory {
				out[cat] = n > 0
			}
			return out
		}

		warm()
		mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		got := cached()
		assert.False(t, got[cache.Statistics])
		assert.False(t, got[cache.KnowledgePoints])
		assert.False(t, got[cache.ReviewCandidates])
		assert.True(t, got[cache.SearchResults], "update keeps search results")
		assert.True(t, got[cache.UserPreferences])

		warm()
		_, err := e.UpdateNotes(ctx, id, "remember a/an")
		require.NoError(t, err)
		got = cached()
		assert.True(t, got[cache.Statistics], "notes keep statistics")
		assert.True(t, got[cache.ReviewCandidates])
		assert.False(t, got[cache.KnowledgePoints])
		assert.False(t, got[cache.SearchResults])

		warm()
		_, err = e.SetDailyQuotaConfig(ctx, "u1", 5, true)
		require.NoError(t, err)
		got = cached()
		assert.False(t, got[cache.UserPreferences])
		assert.True(t, got[cache.Statistics])

		warm()
		_, err = e.SoftDelete(ctx, id, "noise")
		require.NoError(t, err)
		got = cached()
		assert.False(t, got[cache.Statistics])
		assert.False(t, got[cache.SearchResults])
		assert.True(t, got[cache.UserPreferences])
	})
}

func TestPendingLeavesCacheIntact(t *testing.T) {
	forEachBackend(t, Config{DailyLimit: 1}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		mustRecord(t, e, "idiom one", model.Isolated, model.Incorrect)
		_, err := e.GetStatistics(ctx)
		require.NoError(t, err)

		res := mustRecord(t, e, "idiom two", model.Isolated, model.Incorrect)
		require.Equal(t, knowledge.StatusPending, res.Status)
		_, ok := e.cache.Entry(cache.Statistics, keyStatistics)
		assert.True(t, ok)

		_, err = e.SetDailyQuotaConfig(ctx, "u1", 2, true)
		require.NoError(t, err)
		_, ok = e.cache.Entry(cache.Statistics, keyStatistics)
		assert.True(t, ok, "quota config only touches user preferences")

		res, err = e.ConfirmPending(ctx, *res.Pending)
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusCreated, res.Status)
		_, ok = e.cache.Entry(cache.Statistics, keyStatistics)
		assert.False(t, ok)
	})
}

func TestQuotaAdmission(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		collector := metrics.NewCollector()
		e.WithMetrics(collector)

		_, err := e.SetDailyQuotaConfig(ctx, "u1", 2, true)
		require.NoError(t, err)

		assert.Equal(t, knowledge.StatusCreated, mustRecord(t, e, "i1", model.Isolated, model.Incorrect).Status)
		assert.Equal(t, knowledge.StatusCreated, mustRecord(t, e, "s1", model.Systematic, model.Incorrect).Status)
		assert.Equal(t, knowledge.StatusCreated, mustRecord(t, e, "i2", model.Isolated, model.Incorrect).Status)
		assert.Equal(t, knowledge.StatusPending, mustRecord(t, e, "i3", model.Isolated, model.Incorrect).Status)
		assert.Equal(t, knowledge.StatusCreated, mustRecord(t, e, "s2", model.Systematic, model.Incorrect).Status)

		st, err := e.GetDailyQuotaStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, st.UsedCount)
		assert.False(t, st.CanAddMore)

		n, err := testutil.GatherAndCount(collector.Registry(), "gorevise_quota_decisions_total")
		require.NoError(t, err)
		assert.Equal(t, 3, n, "isolated admitted, isolated deferred, systematic exempt")
	})
}

func TestConcurrentSubmissionsNeverOverAdmit(t *testing.T) {
	forEachBackend(t, Config{DailyLimit: 3}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		const workers = 10

		var wg sync.WaitGroup
		results := make(chan knowledge.Result, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := e.RecordOutcome(ctx, "u1", graded(string(rune('a'+i))+" phrase", model.Enhancement), model.Incorrect)
				if assert.NoError(t, err) {
					results <- res
				}
			}(i)
		}
		wg.Wait()
		close(results)

		created := 0
		for res := range results {
			if res.Created() {
				created++
			}
		}
		assert.Equal(t, 3, created)

		points, err := e.ListKnowledgePoints(ctx)
		require.NoError(t, err)
		assert.Len(t, points, 3)
	})
}

func TestTrashLifecycle(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, clock *testClock) {
		ctx := context.Background()
		res := mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		mustRecord(t, e, "plurals", model.Systematic, model.Incorrect)
		clock.Advance(2 * 24 * time.Hour)

		cands, err := e.GetReviewCandidates(ctx, 0)
		require.NoError(t, err)
		require.Len(t, cands, 2)

		_, err = e.SoftDelete(ctx, res.Point.ID, "known")
		require.NoError(t, err)
		cands, err = e.GetReviewCandidates(ctx, 0)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, "plurals", cands[0].Point.KeyPoint)

		_, err = e.GetKnowledgePoint(ctx, res.Point.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)

		trash, err := e.ListTrash(ctx)
		require.NoError(t, err)
		require.Len(t, trash, 1)

		restored, err := e.Restore(ctx, res.Point.ID)
		require.NoError(t, err)
		assert.False(t, restored.Merged)
		assert.Equal(t, res.Point.MasteryLevel, restored.Point.MasteryLevel)

		cands, err = e.GetReviewCandidates(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, cands, 2)
	})
}

func TestSweepTrash(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, clock *testClock) {
		ctx := context.Background()
		old := mustRecord(t, e, "old", model.Other, model.Incorrect)
		_, err := e.SoftDelete(ctx, old.Point.ID, "")
		require.NoError(t, err)
		clock.Advance(31 * 24 * time.Hour)

		fresh := mustRecord(t, e, "fresh", model.Other, model.Incorrect)
		_, err = e.SoftDelete(ctx, fresh.Point.ID, "")
		require.NoError(t, err)

		report, err := e.SweepTrash(ctx, SweepOptions{})
		require.NoError(t, err)
		require.Len(t, report.Purged, 1)
		assert.Equal(t, old.Point.ID, report.Purged[0].PointID)
		assert.Equal(t, 1, report.Remaining)

		_, err = e.SweepTrash(ctx, SweepOptions{})
		assert.ErrorIs(t, err, model.ErrRateLimited)

		audit, err := e.ListAudit(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, audit, 1)
	})
}

func TestSearchAndAnnotations(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		res := mustRecord(t, e, "articles", model.Systematic, model.Incorrect)

		found, err := e.Search(ctx, "grammar", 10)
		require.NoError(t, err)
		assert.Empty(t, found)

		_, err = e.SetTags(ctx, res.Point.ID, []string{"Grammar"})
		require.NoError(t, err)
		found, err = e.Search(ctx, "grammar", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, []string{"Grammar"}, found[0].Tags)

		// Returned points are copies.
		found[0].Tags[0] = "mutated"
		again, err := e.Search(ctx, "grammar", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"Grammar"}, again[0].Tags)
	})
}

func TestRecordReview(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, clock *testClock) {
		ctx := context.Background()
		res := mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		clock.Advance(2 * 24 * time.Hour)

		st, err := e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.DueForReview)

		p, err := e.RecordReview(ctx, res.Point.ID, true, "the apple")
		require.NoError(t, err)
		assert.InDelta(t, 0.25, p.MasteryLevel, 1e-9)

		st, err = e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.DueForReview)

		_, err = e.RecordReview(ctx, 999, true, "")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestImport(t *testing.T) {
	forEachBackend(t, Config{DailyLimit: 1}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()
		mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		_, err := e.ListKnowledgePoints(ctx)
		require.NoError(t, err)

		var in []*model.KnowledgePoint
		for _, key := range []string{"articles", "idiom one", "idiom two"} {
			p := graded(key, model.Isolated).NewPoint(t0)
			p.MistakeCount = 1
			if key == "articles" {
				p.Category = model.Systematic
			}
			in = append(in, p)
		}
		report, err := e.Import(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Created, "imports bypass the daily quota")
		assert.Equal(t, 1, report.Merged)

		points, err := e.ListKnowledgePoints(ctx)
		require.NoError(t, err)
		assert.Len(t, points, 3)
	})
}

func TestGetRecommendations(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, clock *testClock) {
		ctx := context.Background()
		mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
		mustRecord(t, e, "idiom", model.Isolated, model.Incorrect)
		clock.Advance(2 * 24 * time.Hour)

		rec, err := e.GetRecommendations(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []model.Category{model.Systematic, model.Isolated}, rec.FocusAreas)
		assert.Equal(t, 2, rec.NextReviewCount)
		assert.Equal(t, 1, rec.SuggestedDifficulty)
		require.Len(t, rec.PriorityPoints, 2)
		assert.Equal(t, "articles", rec.PriorityPoints[0].KeyPoint)
		assert.NotEmpty(t, rec.Recommendations)
	})
}

func TestAsyncSharesCache(t *testing.T) {
	forEachBackend(t, Config{}, func(t *testing.T, e *Engine, _ *testClock) {
		ctx := context.Background()

		r := <-e.RecordOutcomeAsync(ctx, "u1", graded("articles", model.Systematic), model.Incorrect)
		require.NoError(t, r.Err)
		assert.True(t, r.Value.Created())

		s := <-e.GetStatisticsAsync(ctx)
		require.NoError(t, s.Err)
		assert.Equal(t, 1, s.Value.Total)

		before := e.CacheStats().Hits
		st, err := e.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Total)
		assert.Equal(t, before+1, e.CacheStats().Hits)

		// A synchronous write invalidates what the async read cached.
		mustRecord(t, e, "plurals", model.Systematic, model.Incorrect)
		s = <-e.GetStatisticsAsync(ctx)
		require.NoError(t, s.Err)
		assert.Equal(t, 2, s.Value.Total)

		c := <-e.GetReviewCandidatesAsync(ctx, 5)
		require.NoError(t, c.Err)
		assert.Empty(t, c.Value)
	})
}

func TestBackendParity(t *testing.T) {
	type candidate struct {
		KeyPoint string
		Score    float64
		Level    int
		Overdue  float64
	}
	type snapshot struct {
		Stats      Statistics
		Candidates []candidate
		Quota      QuotaStatus
	}

	replay := func(t *testing.T, backend string) snapshot {
		e, clock := newTestEngine(t, backend, Config{DailyLimit: 2})
		ctx := context.Background()

		ops := []struct {
			key     string
			cat     model.Category
			outcome model.Outcome
		}{
			{"a", model.Systematic, model.Incorrect},
			{"b", model.Isolated, model.Incorrect},
			{"c", model.Enhancement, model.Incorrect},
			{"d", model.Isolated, model.Incorrect},
			{"a", model.Systematic, model.Incorrect},
			{"e", model.Other, model.Incorrect},
			{"b", model.Isolated, model.Correct},
		}
		for _, op := range ops {
			_, err := e.RecordOutcome(ctx, "u1", graded(op.key, op.cat), op.outcome)
			require.NoError(t, err)
			clock.Advance(time.Hour)
		}

		points, err := e.ListKnowledgePoints(ctx)
		require.NoError(t, err)
		for _, p := range points {
			if p.KeyPoint == "e" {
				_, err = e.SoftDelete(ctx, p.ID, "")
				require.NoError(t, err)
			}
		}
		clock.Advance(3 * 24 * time.Hour)

		st, err := e.GetStatistics(ctx)
		require.NoError(t, err)
		cands, err := e.GetReviewCandidates(ctx, 0)
		require.NoError(t, err)
		quota, err := e.GetDailyQuotaStatus(ctx, "u1")
		require.NoError(t, err)

		snap := snapshot{Stats: st, Quota: quota}
		for _, c := range cands {
			snap.Candidates = append(snap.Candidates, candidate{c.Point.KeyPoint, c.PriorityScore, c.PriorityLevel, c.DaysOverdue})
		}
		return snap
	}

	file := replay(t, store.BackendFile)
	sqlite := replay(t, store.BackendSQLite)
	assert.Equal(t, file, sqlite)
	assert.Equal(t, 3, file.Stats.Total, "d is pending and e is trashed")
}

type recordingExporter struct {
	mu      sync.Mutex
	records []trace.TraceRecord
}

func (r *recordingExporter) Export(_ context.Context, rec *trace.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *recordingExporter) Close() error { return nil }

func (r *recordingExporter) all() []trace.TraceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trace.TraceRecord(nil), r.records...)
}

func TestTraceAndMetrics(t *testing.T) {
	exporter := &recordingExporter{}
	e, _ := newTestEngine(t, store.BackendSQLite, Config{TraceExporter: exporter})
	collector := metrics.NewCollector()
	e.WithMetrics(collector)
	ctx := context.Background()

	res := mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
	_, err := e.GetKnowledgePoint(ctx, 404)
	require.ErrorIs(t, err, model.ErrNotFound)

	traces := exporter.all()
	require.Len(t, traces, 2)

	assert.Equal(t, "record_outcome", traces[0].Operation)
	assert.True(t, traces[0].OK())
	assert.Equal(t, store.BackendSQLite, traces[0].Backend)
	assert.NotEmpty(t, traces[0].OperationID)
	assert.Equal(t, res.Point.ID, traces[0].IDs["point_id"])
	require.Len(t, traces[0].Spans, 2)
	assert.Equal(t, StageStore, traces[0].Spans[0].Name)
	assert.Equal(t, StageInvalidate, traces[0].Spans[1].Name)

	assert.Equal(t, "get_knowledge_point", traces[1].Operation)
	assert.False(t, traces[1].OK())
	assert.Equal(t, model.ErrTypeNotFound, traces[1].ErrorType)
	assert.Equal(t, int64(404), traces[1].IDs["point_id"])
	require.Len(t, traces[1].Spans, 1)
	assert.False(t, traces[1].Spans[0].OK)
	assert.NotEqual(t, traces[0].OperationID, traces[1].OperationID)

	n, err := testutil.GatherAndCount(collector.Registry(), "gorevise_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(collector.Registry(), "gorevise_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTraceFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "ops.jsonl")
	exporter, err := trace.NewFileExporter(path)
	require.NoError(t, err)
	defer exporter.Close()

	e, _ := newTestEngine(t, store.BackendFile, Config{TraceExporter: exporter})
	mustRecord(t, e, "articles", model.Systematic, model.Incorrect)
	_, err = e.GetStatistics(context.Background())
	require.NoError(t, err)
	require.NoError(t, exporter.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.NotContains(t, string(data), "articles", "traces carry no learner text")
}

func TestWithLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e, _ := newTestEngine(t, store.BackendFile, Config{})
	e.WithLogger(zap.New(core))
	e.WithLogger(nil)

	_, err := e.SoftDelete(context.Background(), 7, "")
	require.Error(t, err)

	failed := logs.FilterMessage("operation failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "soft_delete", fields["operation"])
	assert.Equal(t, model.ErrTypeNotFound, fields["error_type"])
	assert.Equal(t, store.BackendFile, fields["backend"])
}

func TestClose(t *testing.T) {
	e, _ := newTestEngine(t, store.BackendFile, Config{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.GetStatistics(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = e.StartJanitor("")
	assert.ErrorIs(t, err, ErrClosed)
}
