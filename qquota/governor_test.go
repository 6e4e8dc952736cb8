package qquota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qstore"
	"pgregory.net/rapid"
)

type fakeSource struct {
	mu    sync.Mutex
	doc   string
	err   error
	calls int
}

func (f *fakeSource) UsageLimits(ctx context.Context, appID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.doc), nil
}

func (f *fakeSource) set(doc string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc, f.err = doc, err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func limitsDoc(storageMB, cellularMB float64, day int) string {
	return fmt.Sprintf(`{"config":{"emission_period":60,"storage":{"storage_limit":%v},"data":{"cellular_data_limit":%v,"normalized_cell_plan_date":%d}}}`, storageMB, cellularMB, day)
}

type testNetwork struct{ metered atomic.Bool }

func (n *testNetwork) Metered() bool { return n.metered.Load() }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	dir    string
	store  *qstore.FileDataStore
	source *fakeSource
	net    *testNetwork
	clock  *testClock
}

func newTestEnv(t *testing.T, doc string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := qstore.NewFileDataStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		dir:    dir,
		store:  store,
		source: &fakeSource{doc: doc},
		net:    &testNetwork{},
		clock:  &testClock{now: time.Date(2024, time.March, 14, 10, 0, 0, 0, time.Local)},
	}
}

func (e *testEnv) governor(t *testing.T) *Governor {
	t.Helper()
	g, err := New(Config{
		AppID:   "app",
		Dir:     e.dir,
		Store:   e.store,
		Source:  e.source,
		Network: e.net,
		Now:     e.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func (e *testEnv) loaded(t *testing.T) *Governor {
	t.Helper()
	g := e.governor(t)
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g
}

func TestAuthorizeStorageLimit(t *testing.T) {
	env := newTestEnv(t, limitsDoc(1, 0, 1))
	g := env.loaded(t)

	g.ReportSent(950_000)
	if g.Authorize(100_000) {
		t.Error("authorized past the storage limit")
	}
	if !g.Authorize(40_000) {
		t.Error("denied within the storage limit")
	}
	if !g.Authorize(50_000) {
		t.Error("denied an event that reaches the limit exactly")
	}
	if u := g.Usage(); u.StorageUsed != 950_000 {
		t.Errorf("Authorize changed counters: %+v", u)
	}
}

func TestAuthorizeCellularOnlyWhenMetered(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 1, 1))
	g := env.loaded(t)

	env.net.metered.Store(true)
	g.ReportSent(999_000)
	if u := g.Usage(); u.CellularUsed != 999_000 || u.StorageUsed != 999_000 {
		t.Fatalf("usage = %+v", u)
	}
	if g.Authorize(2_000) {
		t.Error("authorized past the cellular limit on a metered link")
	}

	env.net.metered.Store(false)
	if !g.Authorize(2_000) {
		t.Error("cellular limit applied on an unmetered link")
	}
	g.ReportSent(5_000)
	if u := g.Usage(); u.CellularUsed != 999_000 || u.StorageUsed != 1_004_000 {
		t.Errorf("unmetered delivery counted as cellular: %+v", u)
	}
}

func TestUnlimited(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	env.net.metered.Store(true)
	g := env.loaded(t)
	g.ReportSent(1 << 40)
	if !g.Authorize(1 << 40) {
		t.Error("zero limits must be unlimited")
	}
}

func TestUninitializedDenies(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	g := env.governor(t)
	if g.Authorize(1) {
		t.Error("Uninitialized governor authorized an event")
	}
	if _, ok := g.Limits(); ok {
		t.Error("limits reported as loaded")
	}
	if err := g.ResetUsage(); !errors.Is(err, qdef.ErrUninitialized) {
		t.Errorf("ResetUsage = %v, want ErrUninitialized", err)
	}
}

func TestLoadFallsBackToAPI(t *testing.T) {
	env := newTestEnv(t, limitsDoc(2, 3, 9))
	g := env.loaded(t)

	l, ok := g.Limits()
	if !ok {
		t.Fatal("limits not loaded")
	}
	want := qdef.Limits{EmissionPeriod: time.Minute, StorageLimit: 2_000_000, CellularDataLimit: 3_000_000, CellularPlanResetDay: 9}
	if l != want {
		t.Errorf("limits = %+v, want %+v", l, want)
	}
	if env.source.count() != 1 {
		t.Errorf("source calls = %d", env.source.count())
	}
	if ok, _ := env.store.Exists(KeyLimits); !ok {
		t.Error("limits not cached")
	}
}

func TestLoadPrefersCache(t *testing.T) {
	env := newTestEnv(t, limitsDoc(2, 3, 9))
	env.loaded(t).Close()

	env.source.set("", errors.New("offline"))
	g := env.loaded(t)
	if l, _ := g.Limits(); l.StorageLimit != 2_000_000 {
		t.Errorf("limits = %+v", l)
	}
	if env.source.count() != 1 {
		t.Errorf("source calls = %d, want 1", env.source.count())
	}
}

func TestLoadFailsWithoutCacheOrAPI(t *testing.T) {
	env := newTestEnv(t, "")
	env.source.set("", errors.New("offline"))
	g := env.governor(t)

	err := g.Load(context.Background())
	var fe *qdef.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if g.Authorize(1) {
		t.Error("authorized after failed load")
	}

	env.source.set(`{"storage":{}}`, nil)
	err = g.Load(context.Background())
	var pe *qdef.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestLoadCorruptCacheRefetches(t *testing.T) {
	env := newTestEnv(t, limitsDoc(5, 0, 1))
	if err := env.store.Set(KeyLimits, false, []byte("{{{")); err != nil {
		t.Fatal(err)
	}
	g := env.loaded(t)
	if l, _ := g.Limits(); l.StorageLimit != 5_000_000 {
		t.Errorf("limits = %+v", l)
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, limitsDoc(1, 1, 1))
	g := env.loaded(t)
	g.ReportSent(10)
	before, _ := g.Limits()
	usage := g.Usage()

	env.source.set("", errors.New("timeout"))
	if err := g.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if l, _ := g.Limits(); l != before {
		t.Errorf("limits changed on failed refresh: %+v", l)
	}
	if u := g.Usage(); u != usage {
		t.Errorf("usage changed on failed refresh: %+v", u)
	}

	env.source.set(`not json`, nil)
	if err := g.Refresh(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	if l, _ := g.Limits(); l != before {
		t.Errorf("limits changed on bad document: %+v", l)
	}

	env.source.set(limitsDoc(7, 0, 3), nil)
	if err := g.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l, _ := g.Limits(); l.StorageLimit != 7_000_000 || l.CellularPlanResetDay != 3 {
		t.Errorf("limits = %+v", l)
	}
	cached, err := env.store.Get(KeyLimits, false)
	if err != nil || string(cached) != limitsDoc(7, 0, 3) {
		t.Errorf("cache = %q, %v", cached, err)
	}
}

func TestConcurrentReportSent(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	env.net.metered.Store(true)
	g := env.loaded(t)

	const workers, each, size = 20, 25, 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				g.ReportSent(size)
			}
		}()
	}
	wg.Wait()

	want := int64(workers * each * size)
	if u := g.Usage(); u.StorageUsed != want || u.CellularUsed != want {
		t.Fatalf("usage = %+v, want %d", u, want)
	}

	g.Close()
	reopened := env.loaded(t)
	if u := reopened.Usage(); u.StorageUsed != want || u.CellularUsed != want {
		t.Errorf("persisted usage = %+v, want %d", u, want)
	}
}

func TestCycleResetOncePerCycle(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 1, 15))
	env.net.metered.Store(true)
	g := env.loaded(t)

	if got, want := g.Usage().CycleStart, time.Date(2024, time.February, 15, 0, 0, 0, 0, time.Local); !got.Equal(want) {
		t.Fatalf("cycle start = %v, want %v", got, want)
	}
	g.ReportSent(100)

	env.clock.Set(time.Date(2024, time.March, 15, 0, 0, 0, 0, time.Local))
	g.Authorize(1)
	u := g.Usage()
	if u.CellularUsed != 0 || u.StorageUsed != 100 {
		t.Fatalf("after rollover usage = %+v", u)
	}

	g.ReportSent(50)
	env.clock.Set(time.Date(2024, time.March, 20, 12, 0, 0, 0, time.Local))
	g.Authorize(1)
	if u := g.Usage(); u.CellularUsed != 50 {
		t.Errorf("reset twice in one cycle: %+v", u)
	}

	// A restart within the same cycle keeps the counters.
	g.Close()
	g = env.loaded(t)
	if u := g.Usage(); u.CellularUsed != 50 {
		t.Errorf("restart reset the cycle: %+v", u)
	}

	env.clock.Set(time.Date(2024, time.April, 15, 8, 0, 0, 0, time.Local))
	g.Authorize(1)
	if u := g.Usage(); u.CellularUsed != 0 || u.StorageUsed != 150 {
		t.Errorf("second rollover usage = %+v", u)
	}
}

func TestResetUsage(t *testing.T) {
	env := newTestEnv(t, limitsDoc(1, 1, 1))
	env.net.metered.Store(true)
	g := env.loaded(t)
	g.ReportSent(500)
	if err := g.ResetUsage(); err != nil {
		t.Fatal(err)
	}
	if u := g.Usage(); u.StorageUsed != 0 || u.CellularUsed != 0 {
		t.Errorf("usage = %+v", u)
	}
}

func TestResetMarker(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	g := env.loaded(t)
	g.ReportSent(123)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to start before writing the marker.
	time.Sleep(100 * time.Millisecond)
	if err := RequestReset(env.dir); err != nil {
		t.Fatal(err)
	}

	marker := filepath.Join(env.dir, ResetMarker)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, statErr := os.Stat(marker)
		if g.Usage().StorageUsed == 0 && os.IsNotExist(statErr) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("reset marker not applied: usage %+v", g.Usage())
}

func TestResetMarkerPresentAtStart(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	g := env.loaded(t)
	g.ReportSent(10)
	if err := RequestReset(env.dir); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	g.Run(ctx)
	if u := g.Usage(); u.StorageUsed != 0 {
		t.Errorf("usage = %+v", u)
	}
}

func TestClosedDenies(t *testing.T) {
	env := newTestEnv(t, limitsDoc(0, 0, 1))
	g := env.loaded(t)
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if g.Authorize(1) {
		t.Error("closed governor authorized")
	}
	g.ReportSent(1)
	if err := g.Load(context.Background()); !errors.Is(err, qdef.ErrClosed) {
		t.Errorf("Load after Close = %v", err)
	}
}

// Reporting only authorized events never pushes usage past the limit, and
// Authorize agrees with the admission rule at every step.
func TestAuthorizeProperty(t *testing.T) {
	const limit = 1_000_000
	env := newTestEnv(t, limitsDoc(1, 1, 1))
	env.net.metered.Store(true)
	g := env.loaded(t)

	rapid.Check(t, func(rt *rapid.T) {
		if rapid.Bool().Draw(rt, "reset") {
			if err := g.ResetUsage(); err != nil {
				rt.Fatal(err)
			}
		}
		n := rapid.IntRange(0, 300_000).Draw(rt, "n")
		used := g.Usage().StorageUsed
		want := used+int64(n) <= limit
		if got := g.Authorize(n); got != want {
			rt.Fatalf("Authorize(%d) with %d used = %v, want %v", n, used, got, want)
		}
		if want {
			g.ReportSent(n)
		}
		u := g.Usage()
		if u.StorageUsed > limit || u.CellularUsed > limit {
			rt.Fatalf("usage exceeded limit: %+v", u)
		}
	})
}
