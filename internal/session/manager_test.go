package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perpflow/config"
	"perpflow/internal/exchange"
	"perpflow/internal/exchange/exchangetest"
)

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Mode:           config.ModePaper,
			PaperEndpoint:  "https://testnet.example",
			RequestTimeout: 20 * time.Second,
			RecvWindow:     60 * time.Second,
			APIKey:         "k",
			APISecret:      "s",
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 10},
	}
}

// newTestManager wires a Manager to the given fake and silences sleeps.
func newTestManager(t *testing.T, fake *exchangetest.Fake) (*Manager, *[]time.Duration) {
	t.Helper()
	slept := &[]time.Duration{}
	m := NewManager(testConfig())
	m.newClient = func(exchange.Options) (exchange.Client, error) { return fake, nil }
	m.sleep = func(d time.Duration) { *slept = append(*slept, d) }
	return m, slept
}

func TestAcquireSingleFlight(t *testing.T) {
	var constructions int32
	release := make(chan struct{})
	fake := &exchangetest.Fake{
		PingFunc: func(ctx context.Context) error {
			<-release
			return nil
		},
	}

	m, _ := newTestManager(t, fake)
	m.newClient = func(exchange.Options) (exchange.Client, error) {
		atomic.AddInt32(&constructions, 1)
		return fake, nil
	}

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&constructions); got != 1 {
		t.Fatalf("expected one client construction, got %d", got)
	}
	for i := 1; i < len(sessions); i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent callers received different sessions")
		}
	}
}

func TestAcquirePingRetryBackoff(t *testing.T) {
	var pings int32
	fake := &exchangetest.Fake{
		PingFunc: func(ctx context.Context) error {
			if atomic.AddInt32(&pings, 1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}

	m, slept := newTestManager(t, fake)
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("backoff %d = %s, want %s", i, (*slept)[i], d)
		}
	}
}

func TestAcquireFatalAfterExhaustion(t *testing.T) {
	fake := &exchangetest.Fake{
		PingFunc: func(ctx context.Context) error { return errors.New("unreachable") },
	}

	m, slept := newTestManager(t, fake)
	if _, err := m.Acquire(context.Background()); err == nil {
		t.Fatal("expected fatal error after ping exhaustion")
	}
	// 5 attempts, 4 linear delays.
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
}

func TestSyncClockOffset(t *testing.T) {
	fake := &exchangetest.Fake{
		ServerTimeFunc: func(ctx context.Context) (int64, error) { return 1200, nil },
	}

	m, _ := newTestManager(t, fake)
	times := []time.Time{time.UnixMilli(1000), time.UnixMilli(1100)}
	m.now = func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}

	// latency 100ms, offset = 1200 - (1100 + 50) = 50
	if got := m.syncClock(context.Background(), fake); got != 50 {
		t.Fatalf("offset = %d, want 50", got)
	}
}

func TestSyncClockExhaustionResetsToZero(t *testing.T) {
	var calls int32
	fake := &exchangetest.Fake{
		ServerTimeFunc: func(ctx context.Context) (int64, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errors.New("timeout")
		},
	}

	m, slept := newTestManager(t, fake)
	if got := m.syncClock(context.Background(), fake); got != 0 {
		t.Fatalf("offset = %d, want 0 on exhaustion", got)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
}

func TestAcquireInstallsOffsetOnClient(t *testing.T) {
	fake := &exchangetest.Fake{
		ServerTimeFunc: func(ctx context.Context) (int64, error) { return 1200, nil },
	}
	m, _ := newTestManager(t, fake)
	times := []time.Time{time.UnixMilli(1000), time.UnixMilli(1100)}
	m.now = func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}

	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Offset != 50 {
		t.Fatalf("session offset = %d, want 50", s.Offset)
	}
	if fake.TimeOffset != 50 {
		t.Fatalf("client offset = %d, want 50", fake.TimeOffset)
	}
}

func TestResetForcesReinitialization(t *testing.T) {
	fake := &exchangetest.Fake{}
	m, _ := newTestManager(t, fake)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first := fake.PingCalls
	m.Reset()
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
	if fake.PingCalls <= first {
		t.Fatal("reset did not force a new handshake")
	}
}
