package miner

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/ptsminer/internal/compute"
	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/pool"
	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/internal/work"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeConn is a scripted pool connection.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	state      pool.State
	targets    []pool.Target
	submitted  []work.Share
	connectErr error
	// onProcess runs inside Process, with the lock held.
	onProcess func(c *fakeConn)
}

func (c *fakeConn) Connect(_ context.Context, target pool.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target)
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	c.state = pool.State{}
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeConn) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.connected
}

func (c *fakeConn) Process(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onProcess != nil {
		c.onProcess(c)
	}
	return nil
}

func (c *fakeConn) State() pool.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Work = s.Work.Clone()
	return s
}

func (c *fakeConn) SubmitShare(share work.Share) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return pool.ErrNotConnected
	}
	c.submitted = append(c.submitted, share)
	return nil
}

func (c *fakeConn) users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, len(c.targets))
	for i, t := range c.targets {
		users[i] = t.User
	}
	return users
}

// loginAs makes the next Process report a login with alg and work at height.
func loginAs(alg work.Algorithm, height uint32) func(c *fakeConn) {
	return func(c *fakeConn) {
		c.state.GotLoginResponse = true
		c.state.LoggedIn = true
		c.state.Algorithm = alg
		c.state.Work = testTemplate(height)
		c.state.Work.Algorithm = alg
		c.state.Height = height
	}
}

type fakeEvents struct {
	mu     sync.Mutex
	shares []telemetry.ShareEvent
	stats  []telemetry.StatsEvent
}

func (e *fakeEvents) Share(ev telemetry.ShareEvent) {
	e.mu.Lock()
	e.shares = append(e.shares, ev)
	e.mu.Unlock()
}

func (e *fakeEvents) Stats(ev telemetry.StatsEvent) {
	e.mu.Lock()
	e.stats = append(e.stats, ev)
	e.mu.Unlock()
}

type fakeSearcher struct {
	info       compute.DeviceInfo
	candidates []momentum.Candidate
	err        error

	mu       sync.Mutex
	midHashs [][32]byte
}

func (s *fakeSearcher) Search(midHash [32]byte) ([]momentum.Candidate, error) {
	s.mu.Lock()
	s.midHashs = append(s.midHashs, midHash)
	s.mu.Unlock()
	return s.candidates, s.err
}

func (s *fakeSearcher) Device() compute.DeviceInfo { return s.info }

// fakeValidator turns every candidate into one share.
type fakeValidator struct {
	before func()
	jobs   []*work.ProtosharesJob
}

func (v *fakeValidator) Revalidate(job *work.ProtosharesJob, _ [32]byte, a, b uint32) []work.Share {
	if v.before != nil {
		v.before()
	}
	v.jobs = append(v.jobs, job)
	return []work.Share{job.Share(a, b)}
}

type recordingSink struct {
	mu     sync.Mutex
	shares []work.Share
}

func (s *recordingSink) Submit(share work.Share) {
	s.mu.Lock()
	s.shares = append(s.shares, share)
	s.mu.Unlock()
}

func testTemplate(height uint32) work.Template {
	t := work.Template{
		Algorithm: work.AlgorithmProtoshares,
		Version:   2,
		NBits:     0x1d00ffff,
		Coinbase1: []byte{1, 2, 3},
		Coinbase2: []byte{4, 5},
		Height:    height,
	}
	t.MerkleSeed[0] = byte(height)
	for i := range t.ShareTarget {
		t.ShareTarget[i] = 0xff
	}
	return t
}
