package server

import (
	"fmt"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
)

// SendToClient writes data to the game client, applying the incoming
// encrypt cipher when one is set.
func (r *Relay) SendToClient(data []byte) (int, error) {
	return r.send(DirectionIncoming, data)
}

// SendToServer writes data to the game server, applying the outgoing
// encrypt cipher when one is set.
func (r *Relay) SendToServer(data []byte) (int, error) {
	return r.send(DirectionOutgoing, data)
}

// SendMessageToClient frames header and values and sends them to the client.
func (r *Relay) SendMessageToClient(header uint16, values ...protocol.Value) (int, error) {
	data, err := protocol.Construct(header, values...)
	if err != nil {
		return 0, err
	}
	return r.SendToClient(data)
}

// SendMessageToServer frames header and values and sends them to the server.
func (r *Relay) SendMessageToServer(header uint16, values ...protocol.Value) (int, error) {
	data, err := protocol.Construct(header, values...)
	if err != nil {
		return 0, err
	}
	return r.SendToServer(data)
}

// send writes data into the current session.
func (r *Relay) send(dir Direction, data []byte) (int, error) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	return r.write(gen, dir, data)
}

// write serializes writes per direction. Data from a session other than gen
// is refused, and a failed write disconnects.
func (r *Relay) write(gen uint64, dir Direction, data []byte) (int, error) {
	mu := &r.serverSendMu
	if dir == DirectionIncoming {
		mu = &r.clientSendMu
	}
	mu.Lock()

	r.mu.Lock()
	conn := r.server
	encrypt := r.outgoing.encrypt
	if dir == DirectionIncoming {
		conn = r.client
		encrypt = r.incoming.encrypt
	}
	current := r.generation == gen
	r.mu.Unlock()

	if conn == nil || !current {
		mu.Unlock()
		return 0, common.ErrNotConnected
	}
	if encrypt != nil {
		data = encrypt.SafeParse(data)
	}

	n, err := conn.Write(data)
	mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: write %s: %v", common.ErrConnectionLost, dir, err)
		r.disconnect(gen, err)
		return n, err
	}
	return n, nil
}
