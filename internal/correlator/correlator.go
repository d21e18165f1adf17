// Package correlator multiplexes request/response pairs over agent
// sessions. A dispatching caller blocks on a single-shot sink until the
// matching reply frame arrives from the agent, the deadline elapses, the
// session goes away, or the caller cancels.
//
// Sinks are keyed by (agent ID, session epoch, request ID). Epoch keying
// makes stale replies harmless by construction: a reply arriving on an
// older session than the current one finds no sink and is dropped.
package correlator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/metrics"
	"github.com/custard-io/custard/internal/wire"
)

// Session is the minimal send handle the correlator needs. Satisfied by
// registry.Session (and therefore by agentws.Session).
type Session interface {
	AgentID() uuid.UUID
	Epoch() uint64
	Enqueue(f wire.Frame) error
}

// DefaultTimeout is the dispatch deadline callers use unless they have a
// reason to override it. Note that passing zero to Dispatch does not mean
// "use the default" — it means the deadline has already elapsed.
const DefaultTimeout = 30 * time.Second

// sinkKey identifies one pending request.
type sinkKey struct {
	agentID   uuid.UUID
	epoch     uint64
	requestID uint64
}

// outcome is what a sink resolves to: either the reply frame or an error.
type outcome struct {
	frame wire.Frame
	err   error
}

// Correlator allocates request IDs and parks dispatching callers until the
// matching reply arrives. Safe for concurrent use. The zero value is not
// usable — create instances with New.
type Correlator struct {
	mu    sync.Mutex
	sinks map[sinkKey]chan outcome

	nextID atomic.Uint64
	logger *zap.Logger
}

// New creates a Correlator.
func New(logger *zap.Logger) *Correlator {
	return &Correlator{
		sinks:  make(map[sinkKey]chan outcome),
		logger: logger.Named("correlator"),
	}
}

// Dispatch sends frame to the session and blocks until one of:
//
//   - the matching reply arrives → the reply frame is returned; an error
//     frame from the agent is converted to a *fault.Error,
//   - timeout elapses → fault with code timeout,
//   - the session is detached or displaced → fault with code
//     agent_unreachable,
//   - ctx is cancelled → the sink is retired quietly and ctx.Err() is
//     returned.
//
// The frame's RequestID is assigned here; any value the caller set is
// overwritten. A timeout <= 0 fails synchronously with code timeout and no
// frame is sent. If the session's send buffer is full (or the session was
// torn down between lookup and send), Dispatch fails with
// agent_unreachable rather than waiting out the deadline.
func (c *Correlator) Dispatch(ctx context.Context, sess Session, frame wire.Frame, timeout time.Duration) (wire.Frame, error) {
	if timeout <= 0 {
		return wire.Frame{}, fault.New(fault.CodeTimeout, "deadline already elapsed")
	}

	id := c.nextID.Add(1)
	key := sinkKey{agentID: sess.AgentID(), epoch: sess.Epoch(), requestID: id}
	ch := make(chan outcome, 1)

	c.mu.Lock()
	c.sinks[key] = ch
	c.mu.Unlock()
	metrics.PendingRequests.Inc()

	frame.RequestID = id
	if err := sess.Enqueue(frame); err != nil {
		c.retire(key)
		return wire.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		// Whoever resolved the sink already removed it from the table.
		if out.err != nil {
			return wire.Frame{}, out.err
		}
		if out.frame.Kind == wire.KindError {
			return wire.Frame{}, frameError(out.frame)
		}
		return out.frame, nil

	case <-timer.C:
		c.retire(key)
		return wire.Frame{}, fault.Newf(fault.CodeTimeout, "agent %s did not reply within %s", sess.AgentID(), timeout)

	case <-ctx.Done():
		// Caller cancelled: retire quietly. The agent may still reply; the
		// late frame will find no sink and be dropped.
		c.retire(key)
		return wire.Frame{}, ctx.Err()
	}
}

// Deliver routes an inbound reply frame from session (agentID, epoch) to
// its waiting sink. Exactly-once delivery holds because the sink is removed
// from the table before the outcome is sent; a second frame with the same
// request ID finds nothing. Frames with no matching sink (late replies,
// already-timed-out requests, stale epochs) are logged and dropped.
func (c *Correlator) Deliver(agentID uuid.UUID, epoch uint64, frame wire.Frame) {
	key := sinkKey{agentID: agentID, epoch: epoch, requestID: frame.RequestID}

	c.mu.Lock()
	ch, ok := c.sinks[key]
	if ok {
		delete(c.sinks, key)
	}
	c.mu.Unlock()

	if ok {
		metrics.PendingRequests.Dec()
	}

	if !ok {
		c.logger.Debug("dropping reply with no waiting sink",
			zap.String("agent_id", agentID.String()),
			zap.Uint64("epoch", epoch),
			zap.Uint64("request_id", frame.RequestID),
			zap.String("kind", string(frame.Kind)),
		)
		return
	}

	ch <- outcome{frame: frame}
}

// FailSession resolves every pending request registered against
// (agentID, epoch) to agent_unreachable. Called synchronously by the
// registry on detach and displacement, so no caller is still parked on a
// dead session once the registry has moved on.
func (c *Correlator) FailSession(agentID uuid.UUID, epoch uint64) {
	c.failMatching(fault.Newf(fault.CodeAgentUnreachable, "agent %s disconnected", agentID),
		func(k sinkKey) bool { return k.agentID == agentID && k.epoch == epoch },
	)
}

// FailAgent resolves every pending request for an agent regardless of
// epoch. Called when the agent's connection record is deleted.
func (c *Correlator) FailAgent(agentID uuid.UUID) {
	c.failMatching(fault.Newf(fault.CodeAgentUnreachable, "connection deleted for agent %s", agentID),
		func(k sinkKey) bool { return k.agentID == agentID },
	)
}

// Shutdown resolves every pending request to the shutdown code. Called once
// during graceful shutdown after the registry has closed all sessions.
func (c *Correlator) Shutdown() {
	c.failMatching(fault.New(fault.CodeShutdown, "server shutting down"),
		func(sinkKey) bool { return true },
	)
}

// Pending returns the number of in-flight requests. Intended for tests and
// health reporting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

// failMatching removes all sinks selected by match and resolves each to err.
// The sinks are collected under the lock but resolved outside it; resolution
// cannot block because every sink channel has capacity one and a single
// producer.
func (c *Correlator) failMatching(err error, match func(sinkKey) bool) {
	c.mu.Lock()
	var chans []chan outcome
	for k, ch := range c.sinks {
		if match(k) {
			delete(c.sinks, k)
			chans = append(chans, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range chans {
		metrics.PendingRequests.Dec()
		ch <- outcome{err: err}
	}
}

// retire removes a sink without resolving it. Used by Dispatch itself on
// timeout, cancellation, and enqueue failure.
func (c *Correlator) retire(key sinkKey) {
	c.mu.Lock()
	_, ok := c.sinks[key]
	if ok {
		delete(c.sinks, key)
	}
	c.mu.Unlock()
	if ok {
		metrics.PendingRequests.Dec()
	}
}

// frameError converts an agent error frame into a *fault.Error, preserving
// the agent's code when it is one of the stable codes.
func frameError(f wire.Frame) error {
	code := fault.Code(f.Code)
	switch code {
	case fault.CodeAgentUnreachable, fault.CodeTimeout, fault.CodeUnauthorized,
		fault.CodeNotFound, fault.CodeUnsafeQuery, fault.CodeTooLarge,
		fault.CodeNoDataSource, fault.CodeLLMTimeout, fault.CodeShutdown,
		fault.CodeSuperseded, fault.CodeInternal:
		// keep as-is
	default:
		code = fault.CodeInternal
	}
	msg := f.Message
	if msg == "" {
		msg = "agent reported an error"
	}
	return fault.New(code, msg)
}
