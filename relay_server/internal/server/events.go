package server

import (
	"sync"
	"time"
)

const maxEvents = 1000

// Event types written to the connection log.
const (
	EventListening    = "listening"
	EventSkipped      = "skipped"
	EventProbe        = "probe"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventCipher       = "cipher"
)

// ConnectionLog is one entry of the in-memory connection log
type ConnectionLog struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// eventLog keeps the most recent maxEvents entries.
type eventLog struct {
	mu     sync.RWMutex
	nextID int
	logs   []ConnectionLog
}

func (l *eventLog) add(sessionID, eventType, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.logs = append(l.logs, ConnectionLog{
		ID:        l.nextID,
		SessionID: sessionID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
	if len(l.logs) > maxEvents {
		l.logs = append([]ConnectionLog(nil), l.logs[len(l.logs)-maxEvents:]...)
	}
}

// list returns up to limit of the newest entries, oldest first.
func (l *eventLog) list(limit int) []ConnectionLog {
	l.mu.RLock()
	defer l.mu.RUnlock()

	logs := l.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]ConnectionLog(nil), logs...)
}
