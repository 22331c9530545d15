// Package session owns the authenticated exchange connection and the
// local-vs-exchange clock offset. Initialization happens once per process;
// concurrent first callers share one in-flight handshake.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"perpflow/config"
	"perpflow/internal/exchange"
	"perpflow/logger"
)

const (
	pingAttempts  = 5
	clockAttempts = 3
)

// Session is the process-lifetime handle to the exchange. Offset is the
// measured exchange-minus-local clock delta in milliseconds.
type Session struct {
	Client exchange.Client
	Mode   config.TradingMode
	Offset int64
}

// Manager constructs and caches the Session. It is an explicitly injected
// singleton: Reset is the only invalidation short of a process restart.
type Manager struct {
	cfg *config.Config
	log *logger.Log

	group   singleflight.Group
	mu      sync.Mutex
	session *Session

	newClient func(exchange.Options) (exchange.Client, error)
	sleep     func(time.Duration)
	now       func() time.Time
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg: cfg,
		log: logger.GetLogger(),
		newClient: func(opts exchange.Options) (exchange.Client, error) {
			return exchange.NewBinance(opts)
		},
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Acquire returns the cached session or performs first-time initialization.
// Concurrent callers during initialization block on the same in-flight
// attempt rather than racing independent handshakes.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("session", func() (interface{}, error) {
		return m.initialize(ctx)
	})
	if err != nil {
		return nil, err
	}

	s := v.(*Session)
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	return s, nil
}

// Reset drops the cached session. Exposed for tests and controlled teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	m.group.Forget("session")
}

func (m *Manager) initialize(ctx context.Context) (*Session, error) {
	trading := m.cfg.Trading
	log := m.log.WithComponent("session")

	client, err := m.newClient(exchange.Options{
		APIKey:            trading.APIKey,
		APISecret:         trading.APISecret,
		BaseURL:           trading.BaseEndpoint(),
		ProxyURL:          trading.ProxyURL,
		Timeout:           trading.RequestTimeout,
		RecvWindow:        trading.RecvWindow,
		RequestsPerSecond: m.cfg.RateLimit.RequestsPerSecond,
		BurstSize:         m.cfg.RateLimit.BurstSize,
	})
	if err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}

	log.WithFields(logger.Fields{
		"mode":     trading.Mode,
		"endpoint": trading.BaseEndpoint(),
		"proxy":    trading.ProxyURL != "",
	}).Info("initializing exchange session")

	// Liveness check, linear backoff. Exhaustion is fatal: the engine has
	// no degraded mode without a reachable exchange.
	var lastErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if lastErr = client.Ping(ctx); lastErr == nil {
			break
		}
		log.WithError(lastErr).WithFields(logger.Fields{
			"attempt": attempt,
		}).Warn("exchange liveness check failed")
		if attempt < pingAttempts {
			m.sleep(time.Duration(attempt) * 5 * time.Second)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("session init: exchange unreachable after %d attempts: %w", pingAttempts, lastErr)
	}

	offset := m.syncClock(ctx, client)
	client.SetTimeOffset(offset)

	log.WithFields(logger.Fields{"offset_ms": offset}).Info("exchange session established")
	return &Session{Client: client, Mode: trading.Mode, Offset: offset}, nil
}

// syncClock measures the exchange clock offset using request latency halving.
// On exhaustion the offset resets to zero and the engine proceeds assuming
// identical clocks.
func (m *Manager) syncClock(ctx context.Context, client exchange.Client) int64 {
	log := m.log.WithComponent("session")

	for attempt := 1; attempt <= clockAttempts; attempt++ {
		sent := m.now()
		serverTime, err := client.ServerTime(ctx)
		received := m.now()
		if err == nil {
			latency := received.Sub(sent).Milliseconds()
			offset := serverTime - (received.UnixMilli() + latency/2)
			log.WithFields(logger.Fields{
				"offset_ms":  offset,
				"latency_ms": latency,
			}).Debug("clock synchronized")
			return offset
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("clock sync failed")
		if attempt < clockAttempts {
			m.sleep(time.Duration(attempt) * time.Second)
		}
	}

	log.Warn("clock sync exhausted; assuming identical clocks")
	return 0
}

// AdjustedTimestamp returns the local clock shifted by the session offset.
// All signed request timestamps derive from this value.
func (s *Session) AdjustedTimestamp() int64 {
	return time.Now().UnixMilli() + s.Offset
}
