package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junho-song/marketdeck/pkg/logger"
)

var testFP = Fingerprint{
	Dataset:     "index-kline",
	Symbol:      "KOSPI",
	Start:       "2021-06-15",
	End:         "2024-06-15",
	Granularity: "day",
}

// waitStatus blocks until the store reports the wanted status for fp
func waitStatus[V any](t *testing.T, s *Store[V], fp Fingerprint, want Status) Entry[V] {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if e, ok := s.Peek(fp); ok && e.Status == want {
			return e
		}
		select {
		case <-deadline:
			e, _ := s.Peek(fp)
			t.Fatalf("timed out waiting for status %q, have %q", want, e.Status)
			return Entry[V]{}
		case <-time.After(time.Millisecond):
		}
	}
}

func TestReadFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}
	s := New(fetch, logger.NewNop())

	// Many concurrent reads before the first fetch resolves
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Read(context.Background(), testFP)
		}()
	}
	wg.Wait()

	e, ok := s.Peek(testFP)
	require.True(t, ok)
	assert.Equal(t, StatusLoading, e.Status)

	close(release)
	e = waitStatus(t, s, testFP, StatusFresh)

	assert.Equal(t, "payload", e.Value)
	assert.Equal(t, int32(1), calls.Load(), "exactly one underlying fetch")
}

func TestInvalidateThenReadRefetches(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		calls.Add(1)
		return "v2", nil
	}
	s := New(fetch, logger.NewNop())

	// Fresh entry seeded out-of-band
	s.Write(testFP, "v1")
	e, _ := s.Peek(testFP)
	require.Equal(t, StatusFresh, e.Status)

	// Invalidate the dataset family: fresh downgrades to stale, no fetch
	n := s.Invalidate(MatchDataset(testFP.Dataset))
	assert.Equal(t, 1, n)
	e, _ = s.Peek(testFP)
	assert.Equal(t, StatusStale, e.Status)
	assert.Equal(t, "v1", e.Value, "stale entry keeps prior value")
	assert.Equal(t, int32(0), calls.Load(), "invalidate must not fetch")

	// Next read triggers exactly one new fetch
	e = s.Read(context.Background(), testFP)
	assert.Equal(t, StatusLoading, e.Status)

	e = waitStatus(t, s, testFP, StatusFresh)
	assert.Equal(t, "v2", e.Value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchErrorIsRetryable(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("upstream down")
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "recovered", nil
	}
	s := New(fetch, logger.NewNop())

	s.Read(context.Background(), testFP)
	e := waitStatus(t, s, testFP, StatusError)
	assert.ErrorIs(t, e.Err, boom)

	// An errored entry retries on the next read
	s.Read(context.Background(), testFP)
	e = waitStatus(t, s, testFP, StatusFresh)
	assert.Equal(t, "recovered", e.Value)
	assert.NoError(t, e.Err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateClearsErrorEntries(t *testing.T) {
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		return "", errors.New("nope")
	}
	s := New(fetch, logger.NewNop())

	s.Read(context.Background(), testFP)
	waitStatus(t, s, testFP, StatusError)

	n := s.Invalidate(MatchExact(testFP))
	assert.Equal(t, 1, n)

	_, ok := s.Peek(testFP)
	assert.False(t, ok, "errored slot without subscribers is dropped")
}

func TestInvalidateDuringFlightLandsStale(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		<-release
		return "late", nil
	}
	s := New(fetch, logger.NewNop())

	s.Read(context.Background(), testFP)
	s.Invalidate(MatchDataset(testFP.Dataset))
	close(release)

	// The in-flight result predates the invalidation, so it must not
	// be presented as authoritative
	e := waitStatus(t, s, testFP, StatusStale)
	assert.Equal(t, "late", e.Value)
}

func TestWriteSeedsFresh(t *testing.T) {
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		t.Fatal("fetch must not be called")
		return "", nil
	}
	s := New(fetch, logger.NewNop())

	s.Write(testFP, "seeded")

	e, ok := s.Peek(testFP)
	require.True(t, ok)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, "seeded", e.Value)
}

func TestSubscribe(t *testing.T) {
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		return "v", nil
	}
	s := New(fetch, logger.NewNop())

	var mu sync.Mutex
	var seen []Status
	unsub := s.Subscribe(testFP, func(e Entry[string]) {
		mu.Lock()
		seen = append(seen, e.Status)
		mu.Unlock()
	})

	s.Read(context.Background(), testFP)

	// Dispatch happens outside the store lock, so poll for delivery
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for deliveries, have %d", n)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	assert.Equal(t, StatusLoading, seen[0])
	assert.Equal(t, StatusFresh, seen[1])
	before := len(seen)
	mu.Unlock()

	// No deliveries after unsubscribe
	unsub()
	s.Invalidate(MatchExact(testFP))

	mu.Lock()
	assert.Equal(t, before, len(seen))
	mu.Unlock()
}

func TestSubscribeAll(t *testing.T) {
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		return "v", nil
	}
	s := New(fetch, logger.NewNop())

	events := make(chan Entry[string], 8)
	unsub := s.SubscribeAll(func(e Entry[string]) { events <- e })
	defer unsub()

	other := testFP
	other.Symbol = "KOSDAQ"

	s.Write(testFP, "a")
	s.Write(other, "b")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got[e.Fingerprint.Symbol] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, got["KOSPI"])
	assert.True(t, got["KOSDAQ"])
}

func TestSweep(t *testing.T) {
	fetch := func(ctx context.Context, fp Fingerprint) (string, error) {
		return "", errors.New("nope")
	}
	s := New(fetch, logger.NewNop())

	s.Read(context.Background(), testFP)
	waitStatus(t, s, testFP, StatusError)

	// Too young to sweep
	assert.Equal(t, 0, s.Sweep(time.Hour))

	// Age the entry by moving the clock
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, s.Sweep(time.Hour))
	assert.Equal(t, 0, s.Len())
}

func TestMatchPredicates(t *testing.T) {
	other := testFP
	other.Start = "2023-06-15"

	assert.True(t, MatchExact(testFP)(testFP))
	assert.False(t, MatchExact(testFP)(other))

	assert.True(t, MatchSymbol(testFP.Dataset, "KOSPI")(other))
	assert.False(t, MatchSymbol(testFP.Dataset, "KOSDAQ")(other))

	assert.True(t, MatchDataset("index-kline")(other))
	assert.False(t, MatchDataset("sector-heat")(other))
}
