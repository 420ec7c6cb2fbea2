package redis

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/telemetry"
)

// respServer answers just enough RESP2 for the reporter and records every
// command it receives.
type respServer struct {
	ln net.Listener

	mu       sync.Mutex
	commands [][]string
}

func newRespServer(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &respServer{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *respServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		name := strings.ToUpper(args[0])

		var reply string
		switch name {
		case "HELLO":
			reply = "-ERR unknown command 'HELLO'\r\n"
		case "PING":
			reply = "+PONG\r\n"
		case "CLIENT":
			reply = "+OK\r\n"
		default:
			reply = ":1\r\n"
			if name == "LTRIM" {
				reply = "+OK\r\n"
			}
			s.mu.Lock()
			s.commands = append(s.commands, args)
			s.mu.Unlock()
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, n)
	for i := range args {
		if _, err := r.ReadString('\n'); err != nil {
			return nil, err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		args[i] = strings.TrimSuffix(line, "\r\n")
	}
	return args, nil
}

func (s *respServer) recorded() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.commands...)
}

func newTestReporter(t *testing.T, s *respServer) *Reporter {
	t.Helper()
	r, err := NewReporter(context.Background(), Config{URL: "redis://" + s.ln.Addr().String() + "/0", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "ptsminer:status:me.pts_1", StatusKey("me.pts_1"))
	assert.Equal(t, "ptsminer:shares:me.pts_1", SharesKey("me.pts_1"))
	assert.Equal(t, "ptsminer:recent:me.pts_1", RecentKey("me.pts_1"))
}

func TestReportShare(t *testing.T) {
	s := newRespServer(t)
	r := newTestReporter(t, s)
	assert.Equal(t, "redis", r.Name())

	ev := telemetry.ShareEvent{Worker: "me.pts_1", Height: 7, Submitted: true, Timestamp: time.Unix(1700000000, 0)}
	require.NoError(t, r.ReportShare(context.Background(), ev))

	cmds := s.recorded()
	require.Len(t, cmds, 5)
	assert.Equal(t, []string{"hincrby", SharesKey("me.pts_1"), "submitted", "1"}, cmds[0])
	assert.Equal(t, []string{"expire", SharesKey("me.pts_1"), "60"}, cmds[1])
	assert.Equal(t, "lpush", cmds[2][0])
	assert.Contains(t, cmds[2][2], `"height":7`)
	assert.Equal(t, []string{"ltrim", RecentKey("me.pts_1"), "0", "99"}, cmds[3])
}

func TestReportStats(t *testing.T) {
	s := newRespServer(t)
	r := newTestReporter(t, s)

	ev := telemetry.StatsEvent{Worker: "me.pts_1", TablesPerMin: 3, Shares: 2, ErrorPct: math.Inf(1), Timestamp: time.Unix(1700000000, 0)}
	require.NoError(t, r.ReportStats(context.Background(), ev))

	cmds := s.recorded()
	require.Len(t, cmds, 2)
	hset := cmds[0]
	assert.Equal(t, "hset", hset[0])
	assert.Equal(t, StatusKey("me.pts_1"), hset[1])

	fields := make(map[string]string)
	for i := 2; i+1 < len(hset); i += 2 {
		fields[hset[i]] = hset[i+1]
	}
	assert.Equal(t, "3", fields["tables_per_min"])
	assert.Equal(t, "2", fields["shares"])
	assert.Equal(t, "1700000000", fields["updated_at"])
	assert.Equal(t, []string{"expire", StatusKey("me.pts_1"), "60"}, cmds[1])
}

func TestNewReporterFailures(t *testing.T) {
	_, err := NewReporter(context.Background(), Config{URL: "not a url"})
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewReporter(context.Background(), Config{URL: "redis://" + addr})
	assert.Error(t, err)
}

func TestDefaultTTL(t *testing.T) {
	r := newReporter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	defer r.Close()
	assert.Equal(t, DefaultTTL, r.ttl)
}
