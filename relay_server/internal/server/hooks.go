package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"go.uber.org/zap"
)

// Interceptor outcomes, as recorded in metrics.
const (
	actionForwarded = "forwarded"
	actionCancelled = "cancelled"
	actionBlocked   = "blocked"
	actionReplaced  = "replaced"
)

type observation struct {
	data []byte
	dest protocol.Destination
}

// hookDispatcher owns the interceptor and observer lists. Observers run on a
// fixed worker pool fed by a bounded queue; a full queue drops the frame for
// observers only.
type hookDispatcher struct {
	logger  *zap.Logger
	metrics *Metrics

	mu           sync.RWMutex
	interceptors []Interceptor
	observers    []Observer

	queue  chan observation
	closed bool
	wg     sync.WaitGroup
}

func newHookDispatcher(workers, queueSize int, logger *zap.Logger, metrics *Metrics) *hookDispatcher {
	d := &hookDispatcher{
		logger:  logger,
		metrics: metrics,
		queue:   make(chan observation, queueSize),
	}
	d.wg.Add(workers)
	for range workers {
		go d.worker()
	}
	return d
}

func (d *hookDispatcher) addInterceptor(i Interceptor) {
	d.mu.Lock()
	d.interceptors = append(d.interceptors, i)
	d.mu.Unlock()
}

func (d *hookDispatcher) addObserver(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *hookDispatcher) hasInterceptors() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.interceptors) > 0
}

// observe queues data for the observers without blocking.
func (d *hookDispatcher) observe(data []byte, dest protocol.Destination) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.observers) == 0 {
		return
	}

	select {
	case d.queue <- observation{data: data, dest: dest}:
	default:
		d.metrics.ObserverDrops.Inc()
		d.logger.Debug("Observer queue full, dropping frame", zap.Stringer("destination", dest))
	}
}

func (d *hookDispatcher) worker() {
	defer d.wg.Done()
	for obs := range d.queue {
		d.mu.RLock()
		observers := d.observers
		d.mu.RUnlock()

		for _, o := range observers {
			m, err := protocol.Parse(obs.data, obs.dest)
			if err != nil {
				break
			}
			d.callObserver(o, m)
		}
	}
}

func (d *hookDispatcher) callObserver(o Observer, m *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HookErrors.WithLabelValues("observer").Inc()
			d.logger.Warn("Observer panicked", zap.Any("panic", r))
		}
	}()
	o.Observe(m)
}

// intercept runs e through every interceptor in registration order and
// returns the bytes to forward, or nil when the frame is blocked. A failing
// interceptor cancels the event; its error is returned with the original
// frame.
func (d *hookDispatcher) intercept(ctx context.Context, e *DataEvent, original []byte) ([]byte, string, error) {
	d.mu.RLock()
	interceptors := d.interceptors
	d.mu.RUnlock()

	var hookErr error
	for _, i := range interceptors {
		if err := d.callInterceptor(ctx, i, e); err != nil {
			strategy := common.GetRecoveryStrategy(err)
			d.metrics.HookErrors.WithLabelValues("interceptor").Inc()
			d.logger.Warn("Interceptor failed, forwarding original frame",
				zap.Int("step", e.Step),
				zap.Stringer("destination", e.Destination),
				zap.Stringer("recovery", strategy),
				zap.Error(err))
			hookErr = err
			e.Cancel = true
		}
		if e.Cancel {
			break
		}
	}

	switch {
	case e.Cancel:
		return original, actionCancelled, hookErr
	case e.blocked:
		return nil, actionBlocked, nil
	case e.Replacement == nil:
		return original, actionForwarded, nil
	}
	out := e.Replacement.Bytes()
	if string(out) == string(original) {
		return out, actionForwarded, nil
	}
	return out, actionReplaced, nil
}

func (d *hookDispatcher) callInterceptor(ctx context.Context, i Interceptor, e *DataEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interceptor panic: %v", r)
		}
	}()
	return i.Intercept(ctx, e)
}

// close stops the workers after the queue drains.
func (d *hookDispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
