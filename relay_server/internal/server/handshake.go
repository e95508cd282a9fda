package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"go.uber.org/zap"
)

const (
	policyClose = "</cross-domain-policy>"
	policyAllow = "<allow-access-from domain=\"*\" to-ports=\"*\"/>\r\n"
)

// isHandshake reports whether data opens with the handshake marker header.
func (r *Relay) isHandshake(data []byte) bool {
	header, ok := protocol.HeaderOf(data)
	return ok && header == r.cfg.Protocol.HandshakeMarker
}

// confirm promotes p to the game session: the hosts file is reverted, the
// listener is closed and the connected handlers run. It returns false if p
// belongs to a session that is already over.
func (r *Relay) confirm(p *connPair) bool {
	r.mu.Lock()
	if r.generation != p.gen || r.hasOfficialSocket {
		r.mu.Unlock()
		return false
	}
	r.hasOfficialSocket = true
	r.client, r.server = p.client, p.server
	delete(r.pairs, p)
	probes := r.pairs
	r.pairs = make(map[*connPair]struct{})
	ln := r.listener
	r.listener = nil
	r.state = StateActive
	r.connectedAt = time.Now()
	host := r.host
	info := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.resetHosts(host); err != nil {
		r.logger.Warn("Failed to revert hosts file", zap.Error(err))
	}
	if ln != nil {
		ln.Close()
	}
	for probe := range probes {
		probe.retired.Store(true)
		probe.close()
	}

	r.metrics.RecordSession()
	r.logger.Info("Game client connected",
		zap.String("session_id", info.SessionID),
		zap.Stringer("client", p.client.RemoteAddr()),
		zap.Stringer("server", p.server.RemoteAddr()))
	r.events.add(info.SessionID, EventConnected, fmt.Sprintf("client %s", p.client.RemoteAddr()))

	r.handlersMu.Lock()
	handlers := r.onConnected
	r.handlersMu.Unlock()
	for _, fn := range handlers {
		r.safeCall("connected", fn, info)
	}
	return true
}

// forwardProbe passes a non-handshake first read straight to the server.
// The client side of a probe is not read again.
func (r *Relay) forwardProbe(p *connPair, data []byte) {
	if _, err := p.server.Write(data); err != nil {
		if !p.retired.Load() {
			r.disconnect(p.gen, fmt.Errorf("%w: forward probe: %v", common.ErrConnectionLost, err))
		}
		return
	}
	r.logger.Debug("Forwarded probe request", zap.Int("bytes", len(data)))
}

// answerProbe relays a pre-handshake server response to the probing client,
// opening up any cross-domain policy it contains, then retires the pair and
// lets the listener take the next socket.
func (r *Relay) answerProbe(p *connPair, data []byte) {
	if p.retired.Load() {
		return
	}
	response := rewritePolicy(data)
	_, err := p.client.Write(response)

	if wasRetired := r.retire(p); wasRetired {
		return
	}
	if err != nil {
		r.disconnect(p.gen, fmt.Errorf("%w: answer probe: %v", common.ErrConnectionLost, err))
		return
	}

	r.metrics.ProbesAnswered.Inc()
	r.mu.Lock()
	sessionID := r.sessionID
	acceptNext := r.acceptNext
	current := r.generation == p.gen
	r.mu.Unlock()
	if !current {
		return
	}

	r.logger.Debug("Answered probe", zap.Int("bytes", len(response)))
	r.events.add(sessionID, EventProbe, fmt.Sprintf("answered %s with %d bytes", p.client.RemoteAddr(), len(response)))
	select {
	case acceptNext <- struct{}{}:
	default:
	}
}

// retire closes a probe pair and reports whether something else had
// already retired it.
func (r *Relay) retire(p *connPair) bool {
	if p.retired.Swap(true) {
		return true
	}
	r.mu.Lock()
	if r.pairs != nil {
		delete(r.pairs, p)
	}
	r.mu.Unlock()
	p.close()
	return false
}

// rewritePolicy widens a cross-domain policy to allow every domain and port.
// Data without a policy is returned unchanged.
func rewritePolicy(data []byte) []byte {
	text := string(data)
	if !strings.Contains(text, policyClose) {
		return data
	}
	return []byte(strings.ReplaceAll(text, policyClose, policyAllow+policyClose))
}
