package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/frame"
	"github.com/iselt/wiretap/common/hosts"
	"github.com/iselt/wiretap/common/rc4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// HostResolver returns the addresses of the game host.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// CipherRole selects which of a direction's two ciphers is being set.
type CipherRole string

const (
	CipherDecrypt CipherRole = "decrypt"
	CipherEncrypt CipherRole = "encrypt"
)

// streamState is the per-direction view of the byte stream.
type streamState struct {
	encrypted bool
	inferred  bool
	decrypt   *rc4.Cipher
	encrypt   *rc4.Cipher
	frames    *frame.Reassembler
}

// connPair is one accepted client socket and the server socket dialed for it.
type connPair struct {
	client  net.Conn
	server  net.Conn
	gen     uint64
	retired atomic.Bool
}

func (p *connPair) close() error {
	return multierr.Combine(p.client.Close(), p.server.Close())
}

// Relay sits between one game client and its server. The client is steered
// to the relay through the hosts file, every frame crossing the relay is
// offered to the registered hooks, and frames are forwarded to the genuine
// server over a second socket.
type Relay struct {
	cfg      common.RelayConfig
	logger   *zap.Logger
	metrics  *Metrics
	hosts    *hosts.File
	resolver HostResolver
	dialer   proxy.ContextDialer
	hooks    *hookDispatcher
	events   eventLog

	ctx    context.Context
	cancel context.CancelFunc

	disconnectMu sync.Mutex
	clientSendMu sync.Mutex
	serverSendMu sync.Mutex

	mu                sync.Mutex
	generation        uint64
	connecting        bool
	disconnectAllowed bool
	state             State
	sessionID         string
	host              string
	port              int
	addresses         []string
	listener          net.Listener
	listenAddr        string
	pairs             map[*connPair]struct{}
	client            net.Conn
	server            net.Conn
	connectedAt       time.Time
	acceptCount       int
	hasOfficialSocket bool
	grabHeaders       bool
	toServer          int
	toClient          int
	outgoing          streamState
	incoming          streamState
	headers           HandshakeHeaders
	done              chan struct{}
	acceptNext        chan struct{}

	handlersMu     sync.Mutex
	onConnected    []func(SessionInfo)
	onDisconnected []func(SessionInfo)
}

// New creates a relay. It does not touch the network until Connect.
func New(cfg common.RelayConfig, logger *zap.Logger, metrics *Metrics) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	hostsFile := hosts.NewFile(cfg.HostsPath)
	hostsFile.PurgeLoopback = cfg.PurgeLoopback

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		hosts:    hostsFile,
		resolver: common.NewResolver(cfg.DNSServer, cfg.DialTimeout.Duration, logger),
		dialer:   dialer,
		hooks:    newHookDispatcher(cfg.Hooks.Workers, cfg.Hooks.QueueSize, logger, metrics),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.resetLocked()

	logger.Info("Relay initialized",
		zap.String("listen_host", cfg.ListenHost),
		zap.Bool("hosts_write", cfg.HostsWrite),
		zap.String("hosts_path", hostsFile.Path()),
		zap.String("upstream_proxy", cfg.UpstreamProxy),
		zap.Int("socket_skip", cfg.SocketSkip))
	return r, nil
}

// resetLocked clears all per-session state. r.mu must be held.
func (r *Relay) resetLocked() {
	r.state = StateIdle
	r.listener = nil
	r.listenAddr = ""
	r.pairs = nil
	r.client, r.server = nil, nil
	r.connectedAt = time.Time{}
	r.acceptCount = 0
	r.hasOfficialSocket = false
	r.grabHeaders = false
	r.toServer, r.toClient = 0, 0
	r.outgoing = streamState{frames: frame.NewReassembler(r.cfg.MaxFrameSize)}
	r.incoming = streamState{frames: frame.NewReassembler(r.cfg.MaxFrameSize)}
	r.done = nil
	r.acceptNext = nil
}

// Connect redirects host to the relay and starts listening for the game
// client. It returns once the listener is up; the session itself becomes
// active when the client completes its handshake.
func (r *Relay) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("%w: host and a port between 1 and 65535 are required", common.ErrInvalidConfig)
	}

	r.mu.Lock()
	if r.state != StateIdle || r.connecting {
		r.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	r.connecting = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.connecting = false
		r.mu.Unlock()
	}()

	// Leftover redirects would make the resolver and the dialer hit ourselves.
	if err := r.resetHosts(host); err != nil {
		return err
	}

	addrs, err := r.resolver.Resolve(ctx, host)
	if err != nil {
		r.metrics.RecordError(err)
		return err
	}

	if r.cfg.HostsWrite {
		if err := r.hosts.Redirect(host, addrs); err != nil {
			r.metrics.RecordError(common.ErrHostsFile)
			return common.NewRelayError(common.ErrorTypeSystem, "failed to redirect host", hostsCause(err)).
				WithContext("host", host).
				WithContext("path", r.hosts.Path())
		}
	}

	listenPort := r.cfg.ListenPort
	if listenPort == 0 {
		listenPort = port
	}
	ln, err := listen(ctx, net.JoinHostPort(r.cfg.ListenHost, strconv.Itoa(listenPort)))
	if err != nil {
		if resetErr := r.resetHosts(host); resetErr != nil {
			r.logger.Warn("Failed to revert hosts file", zap.Error(resetErr))
		}
		err = common.NewRelayError(common.ErrorTypeConnection, "failed to listen", err).
			WithContext("port", strconv.Itoa(listenPort))
		r.metrics.RecordError(err)
		return err
	}

	r.mu.Lock()
	r.resetLocked()
	r.generation++
	gen := r.generation
	r.sessionID = uuid.NewString()
	r.host, r.port = host, port
	r.addresses = addrs
	r.listener = ln
	r.listenAddr = ln.Addr().String()
	r.pairs = make(map[*connPair]struct{})
	r.done = make(chan struct{})
	r.acceptNext = make(chan struct{}, 1)
	r.state = StateListening
	r.disconnectAllowed = true
	sessionID := r.sessionID
	done, acceptNext := r.done, r.acceptNext
	r.mu.Unlock()

	r.logger.Info("Listening for game client",
		zap.String("session_id", sessionID),
		zap.String("host", host),
		zap.Int("port", port),
		zap.Strings("addresses", addrs),
		zap.String("listen_addr", ln.Addr().String()))
	r.events.add(sessionID, EventListening, fmt.Sprintf("%s:%d via %s", host, port, ln.Addr()))

	go r.acceptLoop(gen, ln, done, acceptNext)
	return nil
}

func (r *Relay) acceptLoop(gen uint64, ln net.Listener, done, acceptNext <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !r.isGeneration(gen) {
				return
			}
			r.disconnect(gen, fmt.Errorf("%w: accept: %v", common.ErrConnectionFailed, err))
			return
		}
		r.metrics.SocketsAccepted.Inc()

		r.mu.Lock()
		if r.generation != gen || r.hasOfficialSocket {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.acceptCount++
		count := r.acceptCount
		target := net.JoinHostPort(r.addresses[0], strconv.Itoa(r.port))
		sessionID := r.sessionID
		r.mu.Unlock()

		if count == r.cfg.SocketSkip {
			conn.Close()
			r.metrics.SocketsSkipped.Inc()
			r.logger.Debug("Skipped client socket", zap.Int("ordinal", count))
			r.events.add(sessionID, EventSkipped, fmt.Sprintf("socket #%d from %s", count, conn.RemoteAddr()))
			continue
		}

		server, err := r.dialer.DialContext(r.ctx, "tcp", target)
		if err != nil {
			conn.Close()
			r.disconnect(gen, common.NewRelayError(common.ErrorTypeConnection, "failed to dial game server", err).
				WithContext("target", target))
			return
		}

		pair := &connPair{client: conn, server: server, gen: gen}
		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			pair.close()
			return
		}
		r.pairs[pair] = struct{}{}
		r.state = StateAwaitingHandshake
		r.grabHeaders = true
		r.mu.Unlock()

		r.logger.Debug("Client socket paired",
			zap.Int("ordinal", count),
			zap.Stringer("client", conn.RemoteAddr()),
			zap.String("server", target))

		go r.receiveFromClient(pair)
		go r.receiveFromServer(pair)

		// The next socket is only taken once this one has been answered.
		select {
		case <-acceptNext:
		case <-done:
			return
		}
	}
}

// Disconnect tears the session down: both sockets and the listener are
// closed, the hosts file is reverted and the disconnected handlers run.
// Calling it again, or concurrently, has no further effect.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	return r.disconnect(gen, nil)
}

// disconnect only acts on generation gen, so receive loops of an earlier
// session can never tear down a newer one.
func (r *Relay) disconnect(gen uint64, cause error) error {
	info, fired, err := r.teardown(gen, cause)
	if !fired {
		return nil
	}

	r.handlersMu.Lock()
	handlers := r.onDisconnected
	r.handlersMu.Unlock()
	for _, fn := range handlers {
		r.safeCall("disconnected", fn, info)
	}
	return err
}

func (r *Relay) teardown(gen uint64, cause error) (SessionInfo, bool, error) {
	r.disconnectMu.Lock()
	defer r.disconnectMu.Unlock()

	r.mu.Lock()
	if r.generation != gen || !r.disconnectAllowed {
		r.mu.Unlock()
		return SessionInfo{}, false, nil
	}
	r.disconnectAllowed = false
	info := r.snapshotLocked()
	wasActive := r.state == StateActive
	connectedAt := r.connectedAt
	client, server, ln := r.client, r.server, r.listener
	pairs := r.pairs
	done := r.done
	host := r.host
	r.generation++
	r.resetLocked()
	r.mu.Unlock()

	if done != nil {
		close(done)
	}

	var err error
	if client != nil {
		err = multierr.Append(err, client.Close())
	}
	if server != nil {
		err = multierr.Append(err, server.Close())
	}
	for p := range pairs {
		p.retired.Store(true)
		err = multierr.Append(err, p.close())
	}
	if ln != nil {
		if closeErr := ln.Close(); !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	if resetErr := r.resetHosts(host); resetErr != nil {
		err = multierr.Append(err, resetErr)
	}

	var duration float64
	if wasActive {
		duration = time.Since(connectedAt).Seconds()
	}
	r.metrics.RecordDisconnection(wasActive, duration)

	fields := []zap.Field{
		zap.String("session_id", info.SessionID),
		zap.Int("to_server", info.ToServer),
		zap.Int("to_client", info.ToClient),
	}
	details := "requested"
	if cause != nil {
		details = cause.Error()
		fields = append(fields, zap.Error(cause))
		r.metrics.RecordError(cause)
	}
	r.logger.Info("Relay disconnected", fields...)
	r.events.add(info.SessionID, EventDisconnected, details)

	return info, true, err
}

// Close disconnects and stops the hook workers. The relay cannot be reused.
func (r *Relay) Close() error {
	err := r.Disconnect()
	r.cancel()
	r.hooks.close()
	return err
}

func (r *Relay) isGeneration(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == gen
}

// resetHosts removes the redirect lines for host.
func (r *Relay) resetHosts(host string) error {
	if !r.cfg.HostsWrite || host == "" {
		return nil
	}
	if err := r.hosts.Reset(host); err != nil {
		r.metrics.RecordError(common.ErrHostsFile)
		return common.NewRelayError(common.ErrorTypeSystem, "failed to reset hosts file", hostsCause(err)).
			WithContext("host", host).
			WithContext("path", r.hosts.Path())
	}
	return nil
}

// hostsCause marks hosts file errors caused by missing privileges.
func hostsCause(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", common.ErrPermissionDenied, err)
	}
	return err
}

// SetCipher installs c as the decrypt or encrypt cipher of dir. Setting a
// decrypt cipher makes the direction cleartext; inference is not re-run
// once it has been decided.
func (r *Relay) SetCipher(dir Direction, role CipherRole, c *rc4.Cipher) error {
	r.mu.Lock()
	st, err := r.streamLocked(dir)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	switch role {
	case CipherDecrypt:
		st.decrypt = c
		if c != nil {
			st.encrypted = false
		}
	case CipherEncrypt:
		st.encrypt = c
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: cipher role %q", common.ErrInvalidConfig, role)
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	if role == CipherDecrypt && c != nil {
		r.metrics.RecordEncrypted(dir, false)
	}
	r.events.add(sessionID, EventCipher, fmt.Sprintf("%s %s set", dir, role))
	return nil
}

func (r *Relay) streamLocked(dir Direction) (*streamState, error) {
	switch dir {
	case DirectionOutgoing:
		return &r.outgoing, nil
	case DirectionIncoming:
		return &r.incoming, nil
	}
	return nil, fmt.Errorf("%w: direction %q", common.ErrInvalidConfig, dir)
}

// OnConnected registers fn to run once per session when the handshake is seen.
func (r *Relay) OnConnected(fn func(SessionInfo)) {
	r.handlersMu.Lock()
	r.onConnected = append(r.onConnected, fn)
	r.handlersMu.Unlock()
}

// OnDisconnected registers fn to run once per teardown.
func (r *Relay) OnDisconnected(fn func(SessionInfo)) {
	r.handlersMu.Lock()
	r.onDisconnected = append(r.onDisconnected, fn)
	r.handlersMu.Unlock()
}

func (r *Relay) safeCall(name string, fn func(SessionInfo), info SessionInfo) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Session handler panicked", zap.String("handler", name), zap.Any("panic", p))
		}
	}()
	fn(info)
}

// AddInterceptor appends i to the synchronous gate chain.
func (r *Relay) AddInterceptor(i Interceptor) { r.hooks.addInterceptor(i) }

// AddObserver registers o for asynchronous delivery of cleartext frames.
func (r *Relay) AddObserver(o Observer) { r.hooks.addObserver(o) }

// Status returns a snapshot of the session.
func (r *Relay) Status() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Relay) snapshotLocked() SessionInfo {
	return SessionInfo{
		SessionID:         r.sessionID,
		State:             r.state.String(),
		Host:              r.host,
		Port:              r.port,
		Addresses:         append([]string(nil), r.addresses...),
		ListenAddr:        r.listenAddr,
		ConnectedAt:       r.connectedAt,
		ToServer:          r.toServer,
		ToClient:          r.toClient,
		AcceptCount:       r.acceptCount,
		OutgoingEncrypted: r.outgoing.encrypted,
		IncomingEncrypted: r.incoming.encrypted,
		Headers:           r.headers,
	}
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsConnected reports whether both sockets of a confirmed session are up.
func (r *Relay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil && r.server != nil
}

// Headers returns the handshake headers captured so far. They survive
// disconnects and are overwritten by the next handshake.
func (r *Relay) Headers() HandshakeHeaders {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers
}

// Events returns up to limit of the newest connection log entries.
func (r *Relay) Events(limit int) []ConnectionLog {
	return r.events.list(limit)
}

func (r *Relay) Config() common.RelayConfig {
	return r.cfg
}
