package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/clock/system"
	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/pool"
	"github.com/csexpert/coursecrawler/internal/queue/memory"
	"github.com/csexpert/coursecrawler/internal/ratelimit"
)

func testExecutor(t *testing.T, store *memory.Store) *Executor {
	t.Helper()
	limiter := ratelimit.New(10000, time.Minute, system.New())
	return New(store, limiter, Config{
		BatchSize:       10,
		MaxRetries:      3,
		RequestTimeout:  5 * time.Second,
		NetworkCooldown: time.Millisecond,
	}, zap.NewNop())
}

func seedItems(t *testing.T, store *memory.Store, phase pipeline.Phase, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Enqueue(context.Background(), phase, fmt.Sprintf("https://example.edu/doc/%d", i), "")
		require.NoError(t, err)
	}
}

func TestRunProcessesAllItemsWithBoundedConcurrency(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseDownload, 20)

	var inFlight, maxInFlight atomic.Int32
	phase := Phase{
		Name:        pipeline.PhaseDownload,
		Concurrency: 5,
		Op: func(context.Context, pipeline.WorkItem) error {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}

	res, err := testExecutor(t, store).Run(context.Background(), phase)
	require.NoError(t, err)
	require.Equal(t, 20, res.Succeeded)
	require.Zero(t, res.Failed)
	require.LessOrEqual(t, maxInFlight.Load(), int32(5))

	counts, err := store.CountByStatus(context.Background(), pipeline.PhaseDownload)
	require.NoError(t, err)
	require.Equal(t, 20, counts[pipeline.StatusSuccess])
}

// TestRunBoundsPooledResourcesUnderQuota drives a phase whose operation draws
// real pooled handles while the shared dependency quota throttles admissions:
// three items, two handles, a two-per-window quota, five workers. Everything
// must succeed without ever holding more than two handles at once.
func TestRunBoundsPooledResourcesUnderQuota(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseExtraction, 3)

	type stubSession struct{ id int32 }
	var created atomic.Int32
	sessions, err := pool.New(func(context.Context) (*stubSession, error) {
		return &stubSession{id: created.Add(1)}, nil
	}, 2)
	require.NoError(t, err)
	defer sessions.Close()

	window := 1500 * time.Millisecond
	exec := New(store, ratelimit.New(2, window, system.New()), Config{
		BatchSize:      10,
		MaxRetries:     3,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())

	var held, maxHeld atomic.Int32
	phase := Phase{
		Name:        pipeline.PhaseExtraction,
		Concurrency: 5,
		LimiterKey:  func(pipeline.WorkItem) string { return KeyCatalog },
		Op: func(ctx context.Context, _ pipeline.WorkItem) error {
			s, err := sessions.Acquire(ctx, time.Second)
			if err != nil {
				return err
			}
			defer sessions.Release(s)

			cur := held.Add(1)
			for {
				prev := maxHeld.Load()
				if cur <= prev || maxHeld.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			held.Add(-1)
			return nil
		},
	}

	start := time.Now()
	res, err := exec.Run(context.Background(), phase)
	require.NoError(t, err)
	require.Equal(t, 3, res.Succeeded)
	require.Zero(t, res.Failed)
	require.LessOrEqual(t, maxHeld.Load(), int32(2))
	require.LessOrEqual(t, created.Load(), int32(2))
	require.GreaterOrEqual(t, time.Since(start), time.Second,
		"third item waits out the window quota")
}

func TestRunRetriesFailuresUpToBound(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseDownload, 1)

	var attempts atomic.Int32
	phase := Phase{
		Name:        pipeline.PhaseDownload,
		Concurrency: 1,
		Op: func(context.Context, pipeline.WorkItem) error {
			attempts.Add(1)
			return errors.New("connection error: no route to host")
		},
	}

	res, err := testExecutor(t, store).Run(context.Background(), phase)
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load(), "exactly maxRetries attempts")
	require.Equal(t, 3, res.Failed)
	require.Equal(t, 3, res.NetworkErrors)

	failures, err := store.TerminalFailures(context.Background(), pipeline.PhaseDownload, 3)
	require.NoError(t, err)
	require.Len(t, failures, 1)
}

func TestRunRecoversFromPanic(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseExtraction, 2)

	var calls atomic.Int32
	phase := Phase{
		Name:        pipeline.PhaseExtraction,
		Concurrency: 1,
		Op: func(_ context.Context, item pipeline.WorkItem) error {
			if calls.Add(1) == 1 {
				panic("browser exploded")
			}
			return nil
		},
	}

	exec := New(store, ratelimit.New(10000, time.Minute, system.New()), Config{
		BatchSize:      10,
		MaxRetries:     1,
		RequestTimeout: time.Second,
	}, zap.NewNop())

	res, err := exec.Run(context.Background(), phase)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	failures, err := store.TerminalFailures(context.Background(), pipeline.PhaseExtraction, 1)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].LastError, "panic")
}

func TestRunSkipsAlreadyDoneItems(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseDownload, 3)

	var opCalls atomic.Int32
	phase := Phase{
		Name:        pipeline.PhaseDownload,
		Concurrency: 2,
		AlreadyDone: func(_ context.Context, item pipeline.WorkItem) (bool, error) {
			return item.ID == 1, nil
		},
		Op: func(context.Context, pipeline.WorkItem) error {
			opCalls.Add(1)
			return nil
		},
	}

	res, err := testExecutor(t, store).Run(context.Background(), phase)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, int32(2), opCalls.Load(), "skipped items never run the operation")

	counts, err := store.CountByStatus(context.Background(), pipeline.PhaseDownload)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusSkipped])
}

func TestRunStopsClaimingOnCancel(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseDownload, 50)

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	phase := Phase{
		Name:        pipeline.PhaseDownload,
		Concurrency: 2,
		Op: func(context.Context, pipeline.WorkItem) error {
			once.Do(cancel)
			return nil
		},
	}

	exec := New(store, ratelimit.New(10000, time.Minute, system.New()), Config{
		BatchSize:      5,
		MaxRetries:     3,
		RequestTimeout: time.Second,
	}, zap.NewNop())

	_, err := exec.Run(ctx, phase)
	require.ErrorIs(t, err, context.Canceled)

	counts, err := store.CountByStatus(context.Background(), pipeline.PhaseDownload)
	require.NoError(t, err)
	require.NotZero(t, counts[pipeline.StatusPending], "cancellation leaves unclaimed items pending")
}

func TestRunReportsSystemicFailure(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseStructuring, 1)

	phase := Phase{
		Name:        pipeline.PhaseStructuring,
		Concurrency: 1,
		Op: func(context.Context, pipeline.WorkItem) error {
			return fmt.Errorf("ownership lost: %w", pipeline.ErrDoubleClaim)
		},
	}

	_, err := testExecutor(t, store).Run(context.Background(), phase)
	require.ErrorIs(t, err, pipeline.ErrDoubleClaim)
}

func TestRunCallsLoadHook(t *testing.T) {
	t.Parallel()

	store := memory.New(system.New())
	seedItems(t, store, pipeline.PhaseStructuring, 4)

	var fractions []float64
	var mu sync.Mutex
	phase := Phase{
		Name:        pipeline.PhaseStructuring,
		Concurrency: 1,
		Op: func(_ context.Context, item pipeline.WorkItem) error {
			if item.ID == 1 && item.RetryCount == 0 {
				return errors.New("503 from upstream")
			}
			return nil
		},
		LoadHook: func(f float64) {
			mu.Lock()
			fractions = append(fractions, f)
			mu.Unlock()
		},
	}

	_, err := testExecutor(t, store).Run(context.Background(), phase)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, fractions)
	require.InDelta(t, 0.25, fractions[0], 1e-9, "one transient failure out of four items")
}

func TestStructuringGroupOrder(t *testing.T) {
	t.Parallel()

	items := []pipeline.WorkItem{
		{ID: 1, PayloadRef: pipeline.KindCoursePage},
		{ID: 2, PayloadRef: pipeline.KindPDF},
		{ID: 3, PayloadRef: pipeline.KindSyllabusPage},
		{ID: 4, PayloadRef: pipeline.KindPDF},
	}

	phase := StructuringPhase(nil, nil, nil, nil, nil, 1, nil, zap.NewNop())
	ordered := phase.GroupOrder(items)

	var kinds []string
	for _, it := range ordered {
		kinds = append(kinds, it.PayloadRef)
	}
	require.Equal(t, []string{
		pipeline.KindPDF, pipeline.KindPDF,
		pipeline.KindSyllabusPage, pipeline.KindCoursePage,
	}, kinds)
	require.Equal(t, int64(2), ordered[0].ID)
	require.Equal(t, int64(4), ordered[1].ID)
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	html := `<html><head><style>.x{}</style></head><body>
	<nav>menu</nav>
	<h1>Algorithms</h1>
	<p>Course   content  here.</p>
	<ul><li>Graphs</li><li>Sorting</li></ul>
	<script>evil()</script>
	</body></html>`

	text, err := htmlToText(html)
	require.NoError(t, err)
	require.Contains(t, text, "# Algorithms")
	require.Contains(t, text, "Course content here.")
	require.Contains(t, text, "- Graphs")
	require.NotContains(t, text, "menu")
	require.NotContains(t, text, "evil")
}

func TestBlobPathNaming(t *testing.T) {
	t.Parallel()

	require.Equal(t, "downloads/DIT123.pdf", DownloadPath(pipeline.WorkItem{
		SourceKey: "https://example.edu/pdf/kurs/DIT123",
	}))
	require.Equal(t, "downloads/item-9.pdf", DownloadPath(pipeline.WorkItem{
		ID:        9,
		SourceKey: "https://example.edu/pdf/other",
	}))
	require.Equal(t, "syllabi/DIT602.md", ExtractionPath(pipeline.WorkItem{
		SourceKey:  "https://example.edu/study-gothenburg/algorithms-DIT602/syllabus",
		PayloadRef: pipeline.KindSyllabusPage,
	}))
	require.Equal(t, "coursepages/DIT602.md", ExtractionPath(pipeline.WorkItem{
		SourceKey:  "https://example.edu/study-gothenburg/algorithms-DIT602",
		PayloadRef: pipeline.KindCoursePage,
	}))
}
