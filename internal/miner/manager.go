// Package miner runs the device workers and the management loop that keeps
// the pool connection, the payout rotation and the shared work current.
package miner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/payout"
	"github.com/bardlex/ptsminer/internal/pool"
	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/internal/watchdog"
	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
	"github.com/bardlex/ptsminer/pkg/retry"
)

// ErrFatal marks errors after which the process must stop mining.
var ErrFatal = errors.New(errors.ErrorTypeInternal, "miner", "fatal condition").AsFatal()

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Events receives telemetry. *telemetry.Dispatcher implements it.
type Events interface {
	Share(ev telemetry.ShareEvent)
	Stats(ev telemetry.StatsEvent)
}

// ManagerConfig holds the management loop timings and pool endpoint.
type ManagerConfig struct {
	Host    string
	Port    int
	Version string

	Tick             time.Duration
	ReconnectDelay   time.Duration
	StatsInterval    time.Duration
	LoginTimeout     time.Duration
	BadAlgoPause     time.Duration
	BadAlgoPauseDev  time.Duration
	DiagnosticParams string
}

// DefaultManagerConfig returns the standard timings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Tick:            10 * time.Millisecond,
		ReconnectDelay:  15 * time.Second,
		StatsInterval:   8 * time.Second,
		LoginTimeout:    120 * time.Second,
		BadAlgoPause:    45 * time.Second,
		BadAlgoPauseDev: 5 * time.Second,
	}
}

// ManagerDeps are the manager's collaborators.
type ManagerDeps struct {
	Conn     pool.Conn
	Schedule *payout.Schedule
	Source   *work.Source
	Stats    *momentum.Stats
	Watchdog *watchdog.Watchdog
	Events   Events
	Logger   *log.Logger
}

// Manager is the management loop. Step is called on a fixed tick.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	logger *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// mu guards the connection state transitions and the active account.
	mu          sync.Mutex
	account     payout.Account
	hasAccount  bool
	loadNext    bool
	connectedAt time.Time
	miningStart time.Time
	lastTick    time.Time
	nextStats   time.Time
}

// NewManager creates a manager. Nothing happens until Run or Step.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	def := DefaultManagerConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.BadAlgoPause <= 0 {
		cfg.BadAlgoPause = def.BadAlgoPause
	}
	if cfg.BadAlgoPauseDev <= 0 {
		cfg.BadAlgoPauseDev = def.BadAlgoPauseDev
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("manager"),
		now:    time.Now,
		sleep:  retry.Backoff,
	}
}

// Run calls Step every tick until ctx is done or a fatal error occurs.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		if err := m.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one iteration of the management loop.
func (m *Manager) Step(ctx context.Context) error {
	now := m.now()

	if err := m.deps.Watchdog.Check(now); err != nil {
		m.logger.WithError(err).Error("device timeout detected, giving up")
		return fatal(err)
	}

	if !now.Before(m.nextStats) {
		if !m.deps.Conn.IsDisconnected() {
			m.reportStats(now)
		}
		m.nextStats = now.Add(m.cfg.StatsInterval)
	}

	if m.deps.Conn.IsDisconnected() {
		return m.reconnect(ctx, now)
	}

	m.mu.Lock()
	if m.deps.Schedule.QuotaExceeded() {
		m.loadNext = true
	}
	if m.loadNext {
		m.mu.Unlock()
		return m.switchAccount(ctx, now)
	}

	if err := m.deps.Conn.Process(ctx); err != nil {
		m.mu.Unlock()
		return err
	}

	if m.deps.Conn.IsDisconnected() {
		m.deps.Source.Invalidate()
		state := m.deps.Conn.State()
		m.lastTick = time.Time{}
		m.mu.Unlock()
		return m.connectionLost(ctx, state)
	}

	state := m.deps.Conn.State()
	switch {
	case state.LoggedIn && state.Algorithm != work.AlgorithmProtoshares:
		m.deps.Conn.Disconnect()
		m.deps.Source.Invalidate()
		m.lastTick = time.Time{}
		account := m.account
		m.mu.Unlock()
		return m.unsupportedAlgorithm(ctx, account, state.Algorithm)

	case m.deps.Source.Differs(state.Work):
		m.deps.Source.Update(state.Work)
		if state.Work.Height > 0 {
			m.logger.Info("new work",
				"height", state.Work.Height,
				"prev_hash", state.Work.PrevHash.String(),
				"network_target", fmt.Sprintf("%064x", state.Work.NetworkTarget()),
			)
		}

	case !state.LoggedIn && now.Sub(m.connectedAt) > m.cfg.LoginTimeout:
		m.logger.Warn("network issues detected, attempting to reconnect",
			"waited", now.Sub(m.connectedAt).String())
		m.loadNext = true
	}

	if state.GotLoginResponse && !m.lastTick.IsZero() {
		m.deps.Schedule.Accrue(now.Sub(m.lastTick))
	}
	m.lastTick = now
	m.mu.Unlock()
	return nil
}

// reconnect handles the disconnected state: pick an account if needed and
// connect, waiting ReconnectDelay after a failure.
func (m *Manager) reconnect(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	if !m.hasAccount || m.loadNext {
		if err := m.rotateLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	account := m.account
	m.mu.Unlock()

	if err := m.deps.Conn.Connect(ctx, m.target(account)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.WithError(err).Warn("connection attempt failed, retrying",
			"retry_in", m.cfg.ReconnectDelay.String())
		return m.sleep(ctx, m.cfg.ReconnectDelay)
	}

	m.mu.Lock()
	m.connectedAt = now
	m.miningStart = now
	m.lastTick = time.Time{}
	m.mu.Unlock()
	m.deps.Stats.ResetSession()

	m.logger.WithAccount(account.Name, account.Developer).Info("connected to pool",
		"host", m.cfg.Host, "port", m.cfg.Port)
	return nil
}

// switchAccount moves to the next account in the payout schedule.
func (m *Manager) switchAccount(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	prevDev := m.hasAccount && m.account.Developer
	if m.hasAccount {
		m.logger.WithAccount(m.account.Name, m.account.Developer).Debug("leaving account",
			"mined_for", m.deps.Schedule.Accrued().String())
	}
	if err := m.rotateLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	account := m.account
	m.deps.Conn.Disconnect()
	m.lastTick = time.Time{}
	m.mu.Unlock()

	if account.Developer {
		if !prevDev {
			m.logger.Info("mining for a few moments to support future development",
				"duration", m.deps.Schedule.Quota(account).String())
		}
	} else {
		m.logger.Info("mining for the user", "worker_name", account.Name)
	}

	if err := m.deps.Conn.Connect(ctx, m.target(account)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.WithError(err).Warn("connection attempt failed, retrying",
			"retry_in", m.cfg.ReconnectDelay.String())
		return m.sleep(ctx, m.cfg.ReconnectDelay)
	}

	m.mu.Lock()
	m.connectedAt = now
	m.mu.Unlock()
	return nil
}

func (m *Manager) rotateLocked() error {
	account, err := m.deps.Schedule.Rotate()
	if err != nil {
		m.logger.Error("no valid user accounts to login with, check the log above for details")
		return fatal(err)
	}
	m.account = account
	m.hasAccount = true
	m.loadNext = false
	return nil
}

// connectionLost applies the payout policy to a dropped connection and
// waits before the next attempt.
func (m *Manager) connectionLost(ctx context.Context, state pool.State) error {
	m.logger.Warn("connection to server lost, reconnecting",
		"retry_in", m.cfg.ReconnectDelay.String())

	m.mu.Lock()
	account := m.account
	switch {
	case !state.GotLoginResponse:
		// maybe this account is the problem
		m.loadNext = true
	case state.LoginRejected:
		m.deps.Schedule.Remove()
		m.loadNext = true
	}
	m.mu.Unlock()

	if state.LoginRejected {
		m.logger.WithAccount(account.Name, account.Developer).Warn("login rejected, account removed from rotation",
			"accounts_left", m.deps.Schedule.Len())
		if account.Developer {
			m.developerDiagnostic(account, "INVALIDUSER")
		}
	}
	return m.sleep(ctx, m.cfg.ReconnectDelay)
}

func (m *Manager) unsupportedAlgorithm(ctx context.Context, account payout.Account, alg work.Algorithm) error {
	pause := m.cfg.BadAlgoPause
	if account.Developer {
		pause = m.cfg.BadAlgoPauseDev
		m.developerDiagnostic(account, "BADALGO")
	} else {
		m.logger.WithAccount(account.Name, false).Error(
			"login is configured for an unsupported algorithm, make sure the miner login details are correct",
			"algorithm", string(alg))
	}

	m.mu.Lock()
	m.deps.Schedule.Remove()
	m.loadNext = true
	m.mu.Unlock()
	m.logger.Warn("account removed from rotation",
		"algorithm", string(alg),
		"accounts_left", m.deps.Schedule.Len(),
		"pause", pause.String())

	return m.sleep(ctx, pause)
}

func (m *Manager) developerDiagnostic(account payout.Account, code string) {
	m.logger.Error("developer account failed, please report this to the developers",
		"version", m.cfg.Version,
		"login", fmt.Sprintf("%s:%s + %f", account.Name, account.Pass, account.Percent),
		"url", fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port),
		"params", m.cfg.DiagnosticParams,
		"error_code", code,
	)
}

func (m *Manager) target(account payout.Account) pool.Target {
	return pool.Target{
		Host:    m.cfg.Host,
		Port:    m.cfg.Port,
		User:    account.Name,
		Pass:    account.Pass,
		Version: m.cfg.Version,
	}
}

// reportStats logs the rate line and forwards it to telemetry.
func (m *Manager) reportStats(now time.Time) {
	m.mu.Lock()
	elapsed := now.Sub(m.miningStart)
	account := m.account
	m.mu.Unlock()

	snap := m.deps.Stats.Snapshot()
	rates, ok := snap.Rates(elapsed)
	if !ok {
		return
	}

	m.logger.LogMiningRate(rates.CollisionsPerMin, rates.ErrorPct, rates.TablesPerMin,
		snap.Shares, snap.Valid(), snap.Invalid, rates.SharesPerHour)
	m.logger.Debug("uptime", "session", durafmt.Parse(elapsed).LimitFirstN(2).String())

	if m.deps.Events != nil {
		m.deps.Events.Stats(telemetry.StatsEvent{
			Worker:           account.Name,
			CollisionsPerMin: rates.CollisionsPerMin,
			ErrorPct:         rates.ErrorPct,
			TablesPerMin:     rates.TablesPerMin,
			SharesPerHour:    rates.SharesPerHour,
			Collisions:       snap.Collisions,
			Tables:           snap.Tables,
			Shares:           snap.Shares,
			Valid:            snap.Valid(),
			Invalid:          snap.Invalid,
			Uptime:           elapsed,
			Timestamp:        now,
		})
	}
}

// Account returns the active payout account.
func (m *Manager) Account() (payout.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, m.hasAccount
}
