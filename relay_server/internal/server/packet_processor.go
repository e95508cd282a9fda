package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"go.uber.org/zap"
)

const readBufferSize = 8192

// receiveFromClient pumps client bytes towards the server. Before the
// handshake is confirmed the first read decides whether this socket is the
// game session or a probe.
func (r *Relay) receiveFromClient(p *connPair) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.read(p.client, buf)
		if err != nil {
			r.receiveFailed(p, DirectionOutgoing, err)
			return
		}
		data := append([]byte(nil), buf[:n]...)

		if !r.isOfficial(p) {
			if !r.isHandshake(data) {
				r.forwardProbe(p, data)
				return
			}
			if !r.confirm(p) {
				return
			}
		}

		if err := r.handleStream(p.gen, DirectionOutgoing, data); err != nil && r.recoverFrom(p.gen, DirectionOutgoing, err) {
			return
		}
	}
}

// receiveFromServer pumps server bytes towards the client. Anything the
// server sends before the handshake is a probe answer.
func (r *Relay) receiveFromServer(p *connPair) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.read(p.server, buf)
		if err != nil {
			r.receiveFailed(p, DirectionIncoming, err)
			return
		}
		data := append([]byte(nil), buf[:n]...)

		if !r.isOfficial(p) {
			r.answerProbe(p, data)
			return
		}

		if err := r.handleStream(p.gen, DirectionIncoming, data); err != nil && r.recoverFrom(p.gen, DirectionIncoming, err) {
			return
		}
	}
}

// read treats a zero-length read as end of stream.
func (r *Relay) read(conn net.Conn, buf []byte) (int, error) {
	if d := r.cfg.IdleTimeout.Duration; d > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	n, err := conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

func (r *Relay) receiveFailed(p *connPair, dir Direction, err error) {
	if p.retired.Load() {
		return
	}
	var cause error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		cause = fmt.Errorf("%w: %s idle for %s", common.ErrConnectionTimeout, dir, r.cfg.IdleTimeout.Duration)
	case errors.Is(err, io.EOF):
		cause = fmt.Errorf("%w: %s stream closed", common.ErrConnectionLost, dir)
	case errors.Is(err, net.ErrClosed):
		cause = fmt.Errorf("%w: %s socket closed", common.ErrConnectionLost, dir)
	default:
		cause = fmt.Errorf("%w: read %s: %v", common.ErrConnectionLost, dir, err)
	}
	r.recoverFrom(p.gen, dir, cause)
}

// recoverFrom applies the recovery strategy for err raised on dir and
// reports whether the receive loop has to stop.
func (r *Relay) recoverFrom(gen uint64, dir Direction, err error) bool {
	strategy := common.GetRecoveryStrategy(err)
	if strategy == common.RecoveryDisconnect {
		r.disconnect(gen, err)
		return true
	}
	r.metrics.RecordError(err)
	r.logger.Warn("Relay error, session kept",
		zap.String("direction", string(dir)),
		zap.Stringer("recovery", strategy),
		zap.Error(err))
	return false
}

func (r *Relay) isOfficial(p *connPair) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasOfficialSocket && r.generation == p.gen && r.client == p.client
}

// handleStream decrypts data when a cipher is set, runs encryption
// inference once the direction reaches its inference frame, splits the
// result into frames and forwards each of them. Data read by an ended
// session is dropped.
func (r *Relay) handleStream(gen uint64, dir Direction, data []byte) error {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return nil
	}
	st, err := r.streamLocked(dir)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if st.decrypt != nil {
		st.decrypt.Parse(data)
	}

	count, ordinal := r.toServer, r.cfg.Protocol.OutgoingInferenceFrame
	if dir == DirectionIncoming {
		count, ordinal = r.toClient, r.cfg.Protocol.IncomingInferenceFrame
	}
	inferred := false
	if !st.inferred && count+1 >= ordinal && st.frames.Pending() == 0 {
		st.inferred = true
		st.encrypted = inferEncrypted(data)
		inferred = true
	}
	cleartext := !st.encrypted
	units, err := st.frames.Feed(data, cleartext)
	r.mu.Unlock()

	if inferred {
		r.metrics.RecordEncrypted(dir, !cleartext)
		r.logger.Info("Encryption state inferred",
			zap.String("direction", string(dir)),
			zap.Bool("encrypted", !cleartext),
			zap.Int("frame", count+1))
	}

	for _, unit := range units {
		if sendErr := r.processFrame(gen, dir, unit, cleartext); sendErr != nil {
			return sendErr
		}
	}
	return err
}

// inferEncrypted reports whether data does not start with a frame whose
// length field covers exactly the rest of data.
func inferEncrypted(data []byte) bool {
	declared := 0
	if len(data) >= protocol.PreambleSize {
		declared = protocol.DeclaredLength(data)
	}
	return declared != len(data)-4
}

// processFrame counts one unit, offers cleartext frames to the hooks and
// forwards whatever the interceptors decided. An interceptor error that
// calls for a disconnect is returned after the original frame is sent.
func (r *Relay) processFrame(gen uint64, dir Direction, data []byte, cleartext bool) error {
	start := time.Now()

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return nil
	}
	var step int
	if dir == DirectionOutgoing {
		r.toServer++
		step = r.toServer
	} else {
		r.toClient++
		step = r.toClient
	}
	grab := dir == DirectionOutgoing && r.grabHeaders && cleartext
	r.mu.Unlock()

	out := data
	var hookErr error
	if cleartext {
		r.hooks.observe(data, dir.destination())
		if r.hooks.hasInterceptors() {
			out, hookErr = r.gate(dir, data, step)
		}
	}

	if out != nil {
		if _, err := r.write(gen, dir, out); err != nil {
			return err
		}
	}
	if grab {
		r.grabHeader(step, data)
	}

	r.metrics.RecordFrame(dir, len(out), time.Since(start).Seconds())
	if common.GetRecoveryStrategy(hookErr) == common.RecoveryDisconnect {
		return hookErr
	}
	return nil
}

// gate runs the interceptors over one frame and returns the bytes to send,
// or nil when the frame is blocked, along with the first interceptor error.
// Frames that do not parse are forwarded untouched.
func (r *Relay) gate(dir Direction, data []byte, step int) ([]byte, error) {
	packet, err := protocol.Parse(data, dir.destination())
	if err != nil || packet.IsCorrupted() {
		return data, nil
	}
	replacement, err := packet.AsConstructive()
	if err != nil {
		return data, nil
	}

	e := &DataEvent{
		Packet:      packet,
		Replacement: replacement,
		Step:        step,
		Destination: dir.destination(),
	}
	out, action, hookErr := r.hooks.intercept(r.ctx, e, data)
	r.metrics.RecordInterception(dir, action)
	if action != actionForwarded {
		r.logger.Debug("Frame intercepted",
			zap.String("direction", string(dir)),
			zap.Int("step", step),
			zap.String("action", action))
	}
	return out, hookErr
}

// grabHeader records the header of outgoing handshake frames by ordinal.
func (r *Relay) grabHeader(step int, data []byte) {
	header, ok := protocol.HeaderOf(data)
	if !ok {
		return
	}
	p := r.cfg.Protocol

	r.mu.Lock()
	defer r.mu.Unlock()
	switch step {
	case p.InitiateHandshakeFrame:
		r.headers.InitiateHandshake = header
	case p.ClientPublicKeyFrame:
		r.headers.ClientPublicKey = header
	case p.ClientURLFrame:
		r.headers.ClientURL = header
	case p.SSOTicketFrame:
		r.headers.SSOTicket = header
	}
	if step >= p.GrabEndFrame {
		r.grabHeaders = false
	}
}
