package pool

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/log"
)

// fakePool accepts one connection and lets the test script both sides.
type fakePool struct {
	t        *testing.T
	ln       net.Listener
	conn     net.Conn
	reader   *bufio.Reader
	accepted chan struct{}
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePool{t: t, ln: ln, accepted: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.conn = conn
		p.reader = bufio.NewReader(conn)
		close(p.accepted)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case <-p.accepted:
			_ = p.conn.Close()
		default:
		}
	})
	return p
}

func (p *fakePool) target() Target {
	addr := p.ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "worker.1", Pass: "pw", Version: "test"}
}

func (p *fakePool) readMessage() *Message {
	p.t.Helper()
	<-p.accepted
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.reader.ReadBytes('\n')
	require.NoError(p.t, err)
	msg, err := ParseMessage(line)
	require.NoError(p.t, err)
	return msg
}

func (p *fakePool) write(line string) {
	p.t.Helper()
	<-p.accepted
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func workJSON(height uint32) string {
	return workJSONWithCoinbase(height, "0102")
}

func workJSONWithCoinbase(height uint32, coinb1 string) string {
	zero := strings.Repeat("00", 32)
	ff := strings.Repeat("ff", 32)
	return `{"method":"mining.notify","id":null,"params":[{"height":` + itoa(height) +
		`,"version":2,"prevhash":"` + zero + `","merkleroot":"` + strings.Repeat("ab", 32) +
		`","time_bias":-3,"nbits":486604799,"target":"` + zero + `","share_target":"` + ff +
		`","coinb1":"` + coinb1 + `","coinb2":"0304","tx_hashes":["` + strings.Repeat("cd", 32) + `"]}]}`
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func idOf(msg *Message) string {
	return strconv.FormatUint(*msg.ID, 10)
}

func newTestClient(onResult ShareResultFunc) *Client {
	return NewClient(log.NewDiscard(), Options{OnShareResult: onResult})
}

func processUntil(t *testing.T, c *Client, cond func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		require.NoError(t, c.Process(context.Background()))
		return cond(c.State())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientLoginAndWork(t *testing.T) {
	p := newFakePool(t)
	c := newTestClient(nil)
	assert.True(t, c.IsDisconnected())

	require.NoError(t, c.Connect(context.Background(), p.target()))
	assert.False(t, c.IsDisconnected())

	login := p.readMessage()
	assert.Equal(t, MethodAuthorize, login.Method)
	assert.JSONEq(t, `["worker.1","pw","test"]`, string(login.Params))

	p.write(`{"id":` + idOf(login) + `,"result":{"algorithm":"protoshares"},"error":null}`)
	p.write(workJSON(1234))

	processUntil(t, c, func(s State) bool { return s.Height == 1234 })

	s := c.State()
	assert.True(t, s.GotLoginResponse)
	assert.True(t, s.LoggedIn)
	assert.False(t, s.LoginRejected)
	assert.Equal(t, work.AlgorithmProtoshares, s.Algorithm)
	assert.Equal(t, work.AlgorithmProtoshares, s.Work.Algorithm)
	assert.Equal(t, int32(-3), s.Work.TimeBias)
	assert.Equal(t, uint32(0x1d00ffff), s.Work.NBits)
	assert.Equal(t, []byte{1, 2}, s.Work.Coinbase1)
	assert.Equal(t, byte(0xab), s.Work.MerkleSeed[0])
	require.Len(t, s.Work.TxHashes, 1)
	assert.Equal(t, byte(0xcd), s.Work.TxHashes[0][31])

	c.Disconnect()
	assert.True(t, c.IsDisconnected())
}

func TestClientWorkBeforeLogin(t *testing.T) {
	p := newFakePool(t)
	c := newTestClient(nil)
	require.NoError(t, c.Connect(context.Background(), p.target()))

	login := p.readMessage()
	p.write(workJSON(100))
	processUntil(t, c, func(s State) bool { return s.Height == 100 })
	assert.Equal(t, work.Algorithm(""), c.State().Work.Algorithm)

	p.write(`{"id":` + idOf(login) + `,"result":{"algorithm":"protoshares"},"error":null}`)
	processUntil(t, c, func(s State) bool { return s.LoggedIn })

	s := c.State()
	assert.Equal(t, work.AlgorithmProtoshares, s.Work.Algorithm)
	assert.Equal(t, uint32(100), s.Work.Height)
}

func TestClientRejectsOversizedWork(t *testing.T) {
	p := newFakePool(t)
	c := newTestClient(nil)
	require.NoError(t, c.Connect(context.Background(), p.target()))

	login := p.readMessage()
	p.write(`{"id":` + idOf(login) + `,"result":{"algorithm":"protoshares"},"error":null}`)
	p.write(workJSON(7))
	processUntil(t, c, func(s State) bool { return s.Height == 7 })

	p.write(workJSONWithCoinbase(8, strings.Repeat("aa", work.MaxCoinbasePart+1)))
	processUntil(t, c, func(s State) bool { return s.Height == 0 })

	s := c.State()
	assert.Equal(t, uint32(0), s.Work.Height, "no work rather than a truncated coinbase")
	assert.Equal(t, work.AlgorithmProtoshares, s.Work.Algorithm)
	assert.False(t, c.IsDisconnected())
}

func TestClientLoginRejected(t *testing.T) {
	p := newFakePool(t)
	c := newTestClient(nil)
	require.NoError(t, c.Connect(context.Background(), p.target()))

	login := p.readMessage()
	p.write(`{"id":` + idOf(login) + `,"result":null,"error":{"code":24,"message":"unauthorized worker"}}`)

	require.Eventually(t, func() bool {
		require.NoError(t, c.Process(context.Background()))
		return c.IsDisconnected()
	}, 2*time.Second, 5*time.Millisecond)

	s := c.State()
	assert.True(t, s.GotLoginResponse)
	assert.True(t, s.LoginRejected)
	assert.False(t, s.LoggedIn)
}

func TestClientSubmitShare(t *testing.T) {
	p := newFakePool(t)

	var mu sync.Mutex
	var verdicts []bool
	var reasons []string
	c := newTestClient(func(_ work.Share, accepted bool, reason string) {
		mu.Lock()
		defer mu.Unlock()
		verdicts = append(verdicts, accepted)
		reasons = append(reasons, reason)
	})
	require.NoError(t, c.Connect(context.Background(), p.target()))
	login := p.readMessage()
	p.write(`{"id":` + idOf(login) + `,"result":{"algorithm":"protoshares"},"error":null}`)

	share := work.Share{Height: 9, BirthdayA: 5, BirthdayB: 13, ExtraNonce: []byte{7, 0, 0, 0}}
	require.NoError(t, c.SubmitShare(share))
	require.NoError(t, c.SubmitShare(share))

	first := p.readMessage()
	assert.Equal(t, MethodSubmit, first.Method)
	var params []SubmitParams
	require.NoError(t, fastJSON.Unmarshal(first.Params, &params))
	require.Len(t, params, 1)
	assert.Equal(t, uint32(5), params[0].BirthdayA)
	assert.Equal(t, uint32(13), params[0].BirthdayB)
	assert.Equal(t, hex.EncodeToString([]byte{7, 0, 0, 0}), params[0].ExtraNonce)

	second := p.readMessage()
	p.write(`{"id":` + idOf(first) + `,"result":true,"error":null}`)
	p.write(`{"id":` + idOf(second) + `,"result":false,"error":{"code":23,"message":"low difficulty"}}`)

	require.Eventually(t, func() bool {
		require.NoError(t, c.Process(context.Background()))
		mu.Lock()
		defer mu.Unlock()
		return len(verdicts) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, verdicts)
	assert.Equal(t, []string{"", "low difficulty"}, reasons)
}

func TestClientPoolHangsUp(t *testing.T) {
	p := newFakePool(t)
	c := newTestClient(nil)
	require.NoError(t, c.Connect(context.Background(), p.target()))
	p.readMessage()
	p.write(workJSON(77))
	require.NoError(t, p.conn.Close())

	require.Eventually(t, func() bool {
		require.NoError(t, c.Process(context.Background()))
		return c.IsDisconnected()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint32(77), c.State().Height, "messages before the hang-up are applied")
	assert.ErrorIs(t, c.SubmitShare(work.Share{}), ErrNotConnected)
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient(log.NewDiscard(), Options{DialTimeout: 200 * time.Millisecond})
	err = c.Connect(context.Background(), Target{Host: "127.0.0.1", Port: port})
	assert.Error(t, err)
	assert.True(t, c.IsDisconnected())
}

func TestWorkParamsValidation(t *testing.T) {
	p := &WorkParams{PrevHash: "00", MerkleRoot: strings.Repeat("00", 32)}
	_, err := p.Template(work.AlgorithmProtoshares)
	assert.ErrorContains(t, err, "prevhash")

	_, err = ParseWork([]byte(`[]`))
	assert.Error(t, err)
}
