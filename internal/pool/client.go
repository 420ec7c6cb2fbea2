// Package pool implements the miner side of the JSON-line pool protocol:
// login, work notifications and share submission.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
	"github.com/bardlex/ptsminer/pkg/retry"
)

// ErrNotConnected is returned when submitting on a closed connection.
var ErrNotConnected = &errors.ServiceError{
	Type:      errors.ErrorTypePool,
	Operation: "submit_share",
	Message:   "not connected to pool",
}

const (
	maxLineSize    = 1 << 20
	inboundBacklog = 64
)

// Target is where and as whom to log in.
type Target struct {
	Host    string
	Port    int
	User    string
	Pass    string
	Version string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// State is the observable connection state.
type State struct {
	GotLoginResponse bool
	LoggedIn         bool
	LoginRejected    bool
	Algorithm        work.Algorithm
	Work             work.Template
	Height           uint32
}

// Conn is the pool connection the manager drives.
type Conn interface {
	Connect(ctx context.Context, target Target) error
	Disconnect()
	IsDisconnected() bool
	// Process handles everything received since the last call without blocking.
	Process(ctx context.Context) error
	State() State
	SubmitShare(share work.Share) error
}

// ShareResultFunc receives the pool's verdict on a submitted share.
type ShareResultFunc func(share work.Share, accepted bool, reason string)

// Options tune a Client.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Retry        *retry.Config
	// Dial defaults to a net.Dialer with DialTimeout.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// OnShareResult is called from Process.
	OnShareResult ShareResultFunc
}

// DefaultOptions returns the client defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Retry:        retry.PoolDialConfig(),
	}
}

// session is one TCP connection's worth of state.
type session struct {
	conn    net.Conn
	inbound chan *Message
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Client is a Conn over TCP.
type Client struct {
	logger *log.Logger
	opts   Options

	mu      sync.Mutex
	sess    *session
	state   State
	nextID  uint64
	authID  uint64
	pending map[uint64]work.Share

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(logger *log.Logger, opts Options) *Client {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	return &Client{
		logger:  logger.WithComponent("pool"),
		opts:    opts,
		pending: make(map[uint64]work.Share),
	}
}

// Connect dials the pool and sends the login. Any previous connection is
// dropped and the state is cleared.
func (c *Client) Connect(ctx context.Context, target Target) error {
	c.Disconnect()

	addr := target.Addr()
	conn, err := retry.DoWithResult(ctx, c.opts.Retry, func() (net.Conn, error) {
		conn, err := c.opts.Dial(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "pool_connect", "dial failed").
				WithContext("addr", addr)
		}
		return conn, nil
	})
	if err != nil {
		return err
	}

	sess := &session{
		conn:    conn,
		inbound: make(chan *Message, inboundBacklog),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.state = State{}
	c.pending = make(map[uint64]work.Share)
	c.nextID++
	c.authID = c.nextID
	authID := c.authID
	c.mu.Unlock()

	c.logger.LogConnection("connected", addr)
	go c.readLoop(sess)

	req, err := NewRequest(authID, MethodAuthorize, target.User, target.Pass, target.Version)
	if err != nil {
		c.Disconnect()
		return errors.Wrap(err, errors.ErrorTypePool, "pool_login", "encoding login failed")
	}
	if err := c.send(sess, req); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

// readLoop forwards parsed lines until the connection ends, then reports
// why on readErr.
func (c *Client) readLoop(sess *session) {
	sess.readErr <- c.scan(sess)
}

func (c *Client) scan(sess *session) error {
	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.logger.LogPoolMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("dropping unparseable pool message")
			continue
		}
		select {
		case sess.inbound <- msg:
		case <-sess.done:
			return fmt.Errorf("connection closed")
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("connection closed by pool")
}

func (c *Client) send(sess *session, msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePool, "pool_send", "encoding message failed")
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := sess.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "pool_send", "failed to set write deadline")
	}
	if _, err := sess.conn.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "pool_send", "failed to write message")
	}
	c.logger.LogPoolMessage("sent", string(data[:len(data)-1]))
	return nil
}

// Disconnect closes the connection. Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		c.dropSession(sess)
	}
}

func (c *Client) dropSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	sess.close()
	c.logger.LogConnection("disconnected", sess.conn.RemoteAddr().String())
}

// IsDisconnected reports whether there is no live connection.
func (c *Client) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == nil
}

// Process applies all queued pool messages. A dead connection is closed
// here, so IsDisconnected turns true after the Process call that sees it.
func (c *Client) Process(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sess.inbound:
			c.handle(sess, msg)
		case err := <-sess.readErr:
			c.drain(sess)
			c.logger.WithError(err).Warn("pool connection lost")
			c.dropSession(sess)
			return nil
		default:
			return nil
		}
	}
}

// drain handles what arrived before the connection ended.
func (c *Client) drain(sess *session) {
	for {
		select {
		case msg := <-sess.inbound:
			c.handle(sess, msg)
		default:
			return
		}
	}
}

func (c *Client) handle(sess *session, msg *Message) {
	switch {
	case msg.IsNotification():
		c.handleNotification(msg)
	case msg.IsResponse():
		c.handleResponse(sess, msg)
	}
}

func (c *Client) handleNotification(msg *Message) {
	switch msg.Method {
	case MethodNotify:
		params, err := ParseWork(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("invalid work notification")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		t, err := params.Template(c.state.Algorithm)
		if err != nil {
			c.logger.WithError(err).Warn("invalid work notification")
			return
		}
		if err := t.Validate(); err != nil {
			c.logger.WithError(err).Warn("rejecting pool work", "height", t.Height)
			c.state.Work = work.Template{Algorithm: c.state.Algorithm}
			c.state.Height = 0
			return
		}
		c.state.Work = t
		c.state.Height = t.Height

	case MethodShowMessage:
		var text []string
		if err := fastJSON.Unmarshal(msg.Params, &text); err == nil && len(text) > 0 {
			c.logger.Info("message from pool", "text", text[0])
		}

	default:
		c.logger.Debug("ignoring pool notification", "method", msg.Method)
	}
}

func (c *Client) handleResponse(sess *session, msg *Message) {
	c.mu.Lock()
	id := *msg.ID

	if id == c.authID {
		c.state.GotLoginResponse = true
		if msg.Error != nil {
			c.state.LoginRejected = true
			c.mu.Unlock()
			c.logger.Warn("login rejected", "code", msg.Error.Code, "reason", msg.Error.Message)
			sess.close()
			return
		}

		var res LoginResult
		if err := fastJSON.Unmarshal(msg.Result, &res); err != nil {
			c.mu.Unlock()
			c.logger.WithError(err).Warn("invalid login response")
			return
		}
		c.state.LoggedIn = true
		c.state.Algorithm = work.Algorithm(res.Algorithm)
		c.state.Work.Algorithm = c.state.Algorithm
		c.mu.Unlock()
		c.logger.Info("logged in", "algorithm", res.Algorithm)
		return
	}

	share, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	accepted := msg.Error == nil && string(msg.Result) == "true"
	reason := ""
	if msg.Error != nil {
		reason = msg.Error.Message
	}
	if c.opts.OnShareResult != nil {
		c.opts.OnShareResult(share, accepted, reason)
	}
}

// State returns a copy of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Work = s.Work.Clone()
	return s
}

// SubmitShare sends a share without waiting for the verdict.
func (c *Client) SubmitShare(share work.Share) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = share
	c.mu.Unlock()

	req, err := NewRequest(id, MethodSubmit, NewSubmitParams(share))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePool, "submit_share", "encoding share failed")
	}
	if err := c.send(sess, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	return nil
}
