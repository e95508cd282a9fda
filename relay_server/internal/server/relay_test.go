package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"github.com/iselt/wiretap/common/rc4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTimeout = 3 * time.Second

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) common.RelayConfig {
	t.Helper()
	cfg := common.DefaultRelayConfig()
	cfg.HostsPath = filepath.Join(t.TempDir(), "hosts")
	cfg.ListenPort = freePort(t)
	cfg.DialTimeout = common.Duration{Duration: testTimeout}
	cfg.APIServer.Enabled = false
	return cfg
}

func newTestRelay(t *testing.T, cfg common.RelayConfig) (*Relay, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r, err := New(cfg, zap.NewNop(), NewMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, reg
}

// gameServer accepts connections on a loopback port and hands them to the test.
type gameServer struct {
	port  int
	conns chan net.Conn
}

func newGameServer(t *testing.T) *gameServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	s := &gameServer{
		port:  ln.Addr().(*net.TCPAddr).Port,
		conns: make(chan net.Conn, 8),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case conn := <-s.conns:
				conn.Close()
			default:
				return
			}
		}
	})
	return s
}

func (s *gameServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("relay did not dial the game server")
		return nil
	}
}

func dialRelay(t *testing.T, r *Relay) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", r.Status().ListenAddr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	prefix := make([]byte, 4)
	_, err := io.ReadFull(conn, prefix)
	require.NoError(t, err)
	rest := make([]byte, binary.BigEndian.Uint32(prefix))
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	return append(prefix, rest...)
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func mustConstruct(t *testing.T, header uint16, values ...protocol.Value) []byte {
	t.Helper()
	data, err := protocol.Construct(header, values...)
	require.NoError(t, err)
	return data
}

// writeAndRelay sends one frame from the client and waits until the server
// has it, so every client write reaches the relay as its own read.
func writeAndRelay(t *testing.T, client, server net.Conn, data []byte) []byte {
	t.Helper()
	_, err := client.Write(data)
	require.NoError(t, err)
	return readFrame(t, server)
}

// establish connects r to s and completes the handshake.
func establish(t *testing.T, r *Relay, s *gameServer) (client, server net.Conn) {
	t.Helper()
	require.NoError(t, r.Connect(context.Background(), "127.0.0.1", s.port))

	client = dialRelay(t, r)
	server = s.accept(t)

	handshake := mustConstruct(t, 4000, protocol.String("PRODUCTION"))
	got := writeAndRelay(t, client, server, handshake)
	require.Equal(t, handshake, got)
	require.Equal(t, StateActive, r.State())
	return client, server
}

func TestRelayConnectRedirectsHost(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRelay(t, cfg)
	s := newGameServer(t)

	require.NoError(t, r.Connect(context.Background(), "127.0.0.1", s.port))
	assert.Equal(t, StateListening, r.State())

	lines, err := r.hosts.Lines()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "127.0.0.1\t\t127.0.0.1\t\t#127.0.0.1[1/1]", lines[0])

	err = r.Connect(context.Background(), "127.0.0.1", s.port)
	assert.ErrorIs(t, err, common.ErrAlreadyConnected)

	require.NoError(t, r.Disconnect())
	assert.Equal(t, StateIdle, r.State())
	lines, err = r.hosts.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestRelayPurgesStaleLoopbackLines(t *testing.T) {
	const stale = "127.0.0.1\t\tstale.example\t\t#stale.example[1/1]"
	redirect := "127.0.0.1\t\t127.0.0.2\t\t#127.0.0.2[1/1]"

	tests := []struct {
		name        string
		purge       bool
		wantActive  []string
		wantRestore []string
	}{
		{
			name:        "default purges",
			purge:       common.DefaultRelayConfig().PurgeLoopback,
			wantActive:  []string{"::1 localhost", redirect},
			wantRestore: []string{"::1 localhost"},
		},
		{
			name:        "opt out keeps foreign lines",
			purge:       false,
			wantActive:  []string{stale, "::1 localhost", redirect},
			wantRestore: []string{stale, "::1 localhost"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.PurgeLoopback = tt.purge
			require.NoError(t, os.WriteFile(cfg.HostsPath, []byte(stale+"\n::1 localhost\n"), 0o644))
			r, _ := newTestRelay(t, cfg)

			require.NoError(t, r.Connect(context.Background(), "127.0.0.2", 30000))
			lines, err := r.hosts.Lines()
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, lines)

			require.NoError(t, r.Disconnect())
			lines, err = r.hosts.Lines()
			require.NoError(t, err)
			assert.Equal(t, tt.wantRestore, lines)
		})
	}
}

func TestHostsCause(t *testing.T) {
	denied := &fs.PathError{Op: "open", Path: "/etc/hosts", Err: fs.ErrPermission}
	other := errors.New("disk full")

	tests := []struct {
		name       string
		err        error
		wantDenied bool
	}{
		{name: "permission", err: denied, wantDenied: true},
		{name: "wrapped permission", err: fmt.Errorf("write hosts file: %w", denied), wantDenied: true},
		{name: "other", err: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := common.NewRelayError(common.ErrorTypeSystem, "failed to redirect host", hostsCause(tt.err))
			assert.Equal(t, tt.wantDenied, errors.Is(err, common.ErrPermissionDenied))
			assert.ErrorIs(t, err, tt.err)
			assert.True(t, common.IsSystemError(err))
			assert.Equal(t, common.RecoveryNone, common.GetRecoveryStrategy(err))
		})
	}
}

func TestRelayConnectValidation(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))

	tests := []struct {
		name string
		host string
		port int
	}{
		{name: "missing host", host: "", port: 30000},
		{name: "zero port", host: "127.0.0.1", port: 0},
		{name: "port too large", host: "127.0.0.1", port: 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Connect(context.Background(), tt.host, tt.port)
			assert.ErrorIs(t, err, common.ErrInvalidConfig)
			assert.Equal(t, StateIdle, r.State())
		})
	}
}

func TestRelayHandshake(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	connected := make(chan SessionInfo, 1)
	r.OnConnected(func(info SessionInfo) { connected <- info })

	client, server := establish(t, r, s)

	select {
	case info := <-connected:
		assert.Equal(t, "active", info.State)
		assert.Equal(t, "127.0.0.1", info.Host)
		assert.Equal(t, s.port, info.Port)
		assert.Equal(t, 1, info.AcceptCount)
		assert.False(t, info.ConnectedAt.IsZero())
	case <-time.After(testTimeout):
		t.Fatal("connected handler did not run")
	}
	assert.True(t, r.IsConnected())

	// The redirect is gone and the listener is closed once the handshake is seen.
	lines, err := r.hosts.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
	_, err = net.DialTimeout("tcp4", r.Status().ListenAddr, 200*time.Millisecond)
	assert.Error(t, err)

	// Server to client.
	reply := mustConstruct(t, 2000, protocol.Int32(1))
	_, err = server.Write(reply)
	require.NoError(t, err)
	assert.Equal(t, reply, readFrame(t, client))
}

func TestRelayPolicyProbe(t *testing.T) {
	r, reg := newTestRelay(t, testConfig(t))
	s := newGameServer(t)
	require.NoError(t, r.Connect(context.Background(), "127.0.0.1", s.port))

	probe := dialRelay(t, r)
	probeServer := s.accept(t)

	request := []byte("<policy-file-request/>\x00")
	_, err := probe.Write(request)
	require.NoError(t, err)
	assert.Equal(t, request, readN(t, probeServer, len(request)))

	policy := `<?xml version="1.0"?><cross-domain-policy></cross-domain-policy>` + "\x00"
	_, err = probeServer.Write([]byte(policy))
	require.NoError(t, err)

	require.NoError(t, probe.SetReadDeadline(time.Now().Add(testTimeout)))
	answer, err := io.ReadAll(probe)
	require.NoError(t, err)
	assert.Equal(t,
		`<?xml version="1.0"?><cross-domain-policy><allow-access-from domain="*" to-ports="*"/>`+"\r\n"+`</cross-domain-policy>`+"\x00",
		string(answer))

	// Still waiting for the real session; the redirect stays in place.
	assert.Equal(t, StateAwaitingHandshake, r.State())
	lines, err := r.hosts.Lines()
	require.NoError(t, err)
	assert.NotEmpty(t, lines)
	assert.Eventually(t, func() bool {
		return metricValue(t, reg, "wiretap_probes_answered_total") == 1
	}, testTimeout, 10*time.Millisecond)

	client := dialRelay(t, r)
	server := s.accept(t)
	handshake := mustConstruct(t, 4000)
	assert.Equal(t, handshake, writeAndRelay(t, client, server, handshake))
	assert.Equal(t, StateActive, r.State())
	assert.Equal(t, 2, r.Status().AcceptCount)
}

func TestRelaySkipsSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.SocketSkip = 1
	r, reg := newTestRelay(t, cfg)
	s := newGameServer(t)
	require.NoError(t, r.Connect(context.Background(), "127.0.0.1", s.port))

	skipped := dialRelay(t, r)
	require.NoError(t, skipped.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := skipped.Read(make([]byte, 1))
	assert.Error(t, err)

	client := dialRelay(t, r)
	server := s.accept(t)
	handshake := mustConstruct(t, 4000)
	assert.Equal(t, handshake, writeAndRelay(t, client, server, handshake))
	assert.Equal(t, 1.0, metricValue(t, reg, "wiretap_sockets_skipped_total"))
}

func TestRelayEncryptionInference(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	var mu sync.Mutex
	var observed []uint16
	r.AddObserver(ObserverFunc(func(m *protocol.Message) {
		if m.Destination() != protocol.DestinationServer {
			return
		}
		mu.Lock()
		observed = append(observed, m.Header())
		mu.Unlock()
	}))
	observedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(observed)
	}

	client, server := establish(t, r, s)
	second := mustConstruct(t, 1000, protocol.String("key"))
	assert.Equal(t, second, writeAndRelay(t, client, server, second))
	assert.False(t, r.Status().OutgoingEncrypted)

	// Frame #3 declares 10 bytes but 14 follow the length field.
	third := append([]byte{0, 0, 0, 10}, make([]byte, 14)...)
	third[5] = 0x42
	_, err := client.Write(third)
	require.NoError(t, err)
	assert.Equal(t, third, readN(t, server, len(third)))

	status := r.Status()
	assert.True(t, status.OutgoingEncrypted)
	assert.False(t, status.IncomingEncrypted)
	assert.Equal(t, 3, status.ToServer)

	// Later bytes pass through opaquely.
	fourth := []byte{1, 2, 3}
	_, err = client.Write(fourth)
	require.NoError(t, err)
	assert.Equal(t, fourth, readN(t, server, len(fourth)))

	assert.Eventually(t, func() bool { return observedCount() == 2 }, testTimeout, 10*time.Millisecond)
	assert.Never(t, func() bool { return observedCount() > 2 }, 200*time.Millisecond, 20*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []uint16{4000, 1000}, observed)
	mu.Unlock()
}

func TestRelayDecryptCipher(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)
	client, server := establish(t, r, s)

	key := []byte("secret")
	decrypt, err := rc4.New(key)
	require.NoError(t, err)
	require.NoError(t, r.SetCipher(DirectionOutgoing, CipherDecrypt, decrypt))
	encrypt, err := rc4.New(key)
	require.NoError(t, err)
	require.NoError(t, r.SetCipher(DirectionOutgoing, CipherEncrypt, encrypt))

	clientCipher, err := rc4.New(key)
	require.NoError(t, err)
	serverCipher, err := rc4.New(key)
	require.NoError(t, err)

	var seen atomic.Int32
	r.AddInterceptor(InterceptorFunc(func(_ context.Context, e *DataEvent) error {
		if e.Packet.Header() == 1000 {
			seen.Add(1)
		}
		return nil
	}))

	plain := mustConstruct(t, 1000, protocol.Int32(5))
	_, err = client.Write(clientCipher.SafeParse(plain))
	require.NoError(t, err)

	wire := readN(t, server, len(plain))
	assert.Equal(t, plain, serverCipher.SafeParse(wire))
	assert.Equal(t, int32(1), seen.Load())
	assert.False(t, r.Status().OutgoingEncrypted)
}

func TestRelayDecryptAfterInference(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)
	client, server := establish(t, r, s)

	second := mustConstruct(t, 1000, protocol.String("key"))
	assert.Equal(t, second, writeAndRelay(t, client, server, second))
	third := append([]byte{0, 0, 0, 10}, make([]byte, 14)...)
	_, err := client.Write(third)
	require.NoError(t, err)
	assert.Equal(t, third, readN(t, server, len(third)))
	require.True(t, r.Status().OutgoingEncrypted)

	var mu sync.Mutex
	var seen []uint16
	r.AddInterceptor(InterceptorFunc(func(_ context.Context, e *DataEvent) error {
		mu.Lock()
		seen = append(seen, e.Packet.Header())
		mu.Unlock()
		return nil
	}))

	key := []byte("late key")
	decrypt, err := rc4.New(key)
	require.NoError(t, err)
	require.NoError(t, r.SetCipher(DirectionOutgoing, CipherDecrypt, decrypt))
	clientCipher, err := rc4.New(key)
	require.NoError(t, err)

	// Both frames arrive in one read; inference must not run again.
	plain := append(mustConstruct(t, 1004, protocol.Int32(1)), mustConstruct(t, 1005, protocol.String("two"))...)
	_, err = client.Write(clientCipher.SafeParse(plain))
	require.NoError(t, err)
	assert.Equal(t, plain, readN(t, server, len(plain)))

	mu.Lock()
	assert.Equal(t, []uint16{1004, 1005}, seen)
	mu.Unlock()
	status := r.Status()
	assert.False(t, status.OutgoingEncrypted)
	assert.Equal(t, 5, status.ToServer)
}

func TestRelayInterceptors(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	r.AddInterceptor(InterceptorFunc(func(_ context.Context, e *DataEvent) error {
		if e.Destination != protocol.DestinationServer {
			return nil
		}
		switch e.Packet.Header() {
		case 1000:
			e.Replacement.SetHeader(1001)
		case 1002:
			e.Block()
		}
		return nil
	}))

	client, server := establish(t, r, s)

	replaced := writeAndRelay(t, client, server, mustConstruct(t, 1000, protocol.String("x")))
	header, ok := protocol.HeaderOf(replaced)
	require.True(t, ok)
	assert.Equal(t, uint16(1001), header)

	_, err := client.Write(mustConstruct(t, 1002))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Status().ToServer == 3 }, testTimeout, 10*time.Millisecond)

	last := mustConstruct(t, 1003, protocol.Bool(true))
	assert.Equal(t, last, writeAndRelay(t, client, server, last))
}

func TestRelayInterceptorErrorRecovery(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantDisconnect bool
	}{
		{name: "plain error keeps the session", err: errors.New("plugin failed")},
		{name: "connection error ends the session", err: fmt.Errorf("%w: kicked by hook", common.ErrConnectionLost), wantDisconnect: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRelay(t, testConfig(t))
			s := newGameServer(t)

			disconnected := make(chan SessionInfo, 1)
			r.OnDisconnected(func(info SessionInfo) { disconnected <- info })
			r.AddInterceptor(InterceptorFunc(func(_ context.Context, e *DataEvent) error {
				if e.Packet.Header() == 1000 {
					e.Block()
					return tt.err
				}
				return nil
			}))

			client, server := establish(t, r, s)

			// The original frame is forwarded either way.
			frame := mustConstruct(t, 1000, protocol.Int32(1))
			assert.Equal(t, frame, writeAndRelay(t, client, server, frame))

			if tt.wantDisconnect {
				select {
				case info := <-disconnected:
					assert.Equal(t, 2, info.ToServer)
				case <-time.After(testTimeout):
					t.Fatal("session was not torn down")
				}
				assert.Equal(t, StateIdle, r.State())
				return
			}

			next := mustConstruct(t, 1001)
			assert.Equal(t, next, writeAndRelay(t, client, server, next))
			assert.Equal(t, StateActive, r.State())
		})
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = common.Duration{Duration: 200 * time.Millisecond}
	r, reg := newTestRelay(t, cfg)
	s := newGameServer(t)

	disconnected := make(chan SessionInfo, 1)
	r.OnDisconnected(func(info SessionInfo) { disconnected <- info })
	establish(t, r, s)

	select {
	case <-disconnected:
	case <-time.After(testTimeout):
		t.Fatal("idle session was not torn down")
	}

	logs := r.Events(0)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, EventDisconnected, last.EventType)
	assert.Contains(t, last.Details, common.ErrConnectionTimeout.Error())
	assert.GreaterOrEqual(t, metricValue(t, reg, "wiretap_errors_total"), 1.0)
}

func TestRelayDropsStaleSessionData(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	establish(t, r, s)
	r.mu.Lock()
	stale := r.generation
	r.mu.Unlock()
	require.NoError(t, r.Disconnect())

	_, server := establish(t, r, s)
	frame := mustConstruct(t, 1000, protocol.Int32(1))
	require.NoError(t, r.handleStream(stale, DirectionOutgoing, frame))

	_, err := r.write(stale, DirectionOutgoing, frame)
	assert.ErrorIs(t, err, common.ErrNotConnected)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, 1, r.Status().ToServer)
	assert.Equal(t, StateActive, r.State())
}

func TestRelayReassemblesSplitFrames(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)
	client, server := establish(t, r, s)

	data := mustConstruct(t, 1000, protocol.String("split across reads"))
	_, err := client.Write(data[:3])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.outgoing.frames.Pending() == 3
	}, testTimeout, 10*time.Millisecond)

	_, err = client.Write(data[3:])
	require.NoError(t, err)
	assert.Equal(t, data, readFrame(t, server))
	assert.Equal(t, 2, r.Status().ToServer)
}

func TestRelayHeadersCapture(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)
	client, server := establish(t, r, s)

	for _, header := range []uint16{206, 2002, 3000, 4001, 2003, 5000, 6000} {
		writeAndRelay(t, client, server, mustConstruct(t, header))
	}

	assert.Equal(t, HandshakeHeaders{
		InitiateHandshake: 206,
		ClientPublicKey:   2002,
		ClientURL:         3000,
		SSOTicket:         2003,
	}, r.Headers())

	require.NoError(t, r.Disconnect())
	assert.Equal(t, uint16(206), r.Headers().InitiateHandshake)
}

func TestRelaySend(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))

	_, err := r.SendToServer([]byte{0, 0, 0, 2, 0, 1})
	assert.ErrorIs(t, err, common.ErrNotConnected)
	_, err = r.SendMessageToClient(1)
	assert.ErrorIs(t, err, common.ErrNotConnected)

	s := newGameServer(t)
	client, server := establish(t, r, s)

	n, err := r.SendMessageToClient(0x1F4, protocol.Int32(42), protocol.String("hi"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t,
		[]byte{0, 0, 0, 10, 0x01, 0xF4, 0, 0, 0, 42, 0, 2, 'h', 'i'},
		readFrame(t, client))

	key := []byte{1, 2, 3, 4}
	encrypt, err := rc4.New(key)
	require.NoError(t, err)
	require.NoError(t, r.SetCipher(DirectionOutgoing, CipherEncrypt, encrypt))

	plain := mustConstruct(t, 1000)
	_, err = r.SendToServer(plain)
	require.NoError(t, err)

	reference, err := rc4.New(key)
	require.NoError(t, err)
	assert.Equal(t, reference.SafeParse(plain), readN(t, server, len(plain)))
}

func TestRelaySetCipherValidation(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	c, err := rc4.New([]byte("k"))
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetCipher("sideways", CipherDecrypt, c), common.ErrInvalidConfig)
	assert.ErrorIs(t, r.SetCipher(DirectionIncoming, "both", c), common.ErrInvalidConfig)
	assert.NoError(t, r.SetCipher(DirectionIncoming, CipherEncrypt, nil))
}

func TestRelayConcurrentDisconnect(t *testing.T) {
	r, reg := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	var fired atomic.Int32
	r.OnDisconnected(func(SessionInfo) { fired.Add(1) })

	client, _ := establish(t, r, s)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Disconnect()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.Never(t, func() bool { return fired.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, StateIdle, r.State())
	assert.False(t, r.IsConnected())
	assert.Equal(t, 1.0, metricValue(t, reg, "wiretap_disconnects_total"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)

	// A disconnected relay can be connected again.
	client, server := establish(t, r, s)
	assert.NotNil(t, client)
	assert.NotNil(t, server)
	assert.Equal(t, 0, r.Status().ToClient)
}

func TestRelayServerCloseDisconnects(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))
	s := newGameServer(t)

	disconnected := make(chan SessionInfo, 1)
	r.OnDisconnected(func(info SessionInfo) { disconnected <- info })

	client, server := establish(t, r, s)
	require.NoError(t, server.Close())

	select {
	case info := <-disconnected:
		assert.Equal(t, 1, info.ToServer)
	case <-time.After(testTimeout):
		t.Fatal("disconnected handler did not run")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)

	logs := r.Events(0)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, EventDisconnected, last.EventType)
	assert.True(t, strings.Contains(last.Details, "incoming"), last.Details)
}

func TestRelayDisconnectWhenIdle(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(t))

	var fired atomic.Int32
	r.OnDisconnected(func(SessionInfo) { fired.Add(1) })

	assert.NoError(t, r.Disconnect())
	assert.Zero(t, fired.Load())
}

func TestInferEncrypted(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "exact frame", data: []byte{0, 0, 0, 2, 0, 1}, want: false},
		{name: "declares less", data: []byte{0, 0, 0, 1, 0, 1}, want: true},
		{name: "declares more", data: []byte{0, 0, 0, 9, 0, 1}, want: true},
		{name: "short read", data: []byte{0, 0, 0, 1}, want: true},
		{name: "two frames", data: []byte{0, 0, 0, 2, 0, 1, 0, 0, 0, 2, 0, 1}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferEncrypted(tt.data))
		})
	}
}

func TestRewritePolicy(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no policy", in: "hello", want: "hello"},
		{
			name: "policy",
			in:   "<cross-domain-policy></cross-domain-policy>",
			want: "<cross-domain-policy>" + policyAllow + "</cross-domain-policy>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(rewritePolicy([]byte(tt.in))))
		})
	}
}
