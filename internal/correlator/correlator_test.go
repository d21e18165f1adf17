package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/wire"
)

// fakeSession records enqueued frames instead of writing to a socket.
type fakeSession struct {
	agentID uuid.UUID
	epoch   uint64

	mu     sync.Mutex
	frames []wire.Frame
	err    error
}

func (s *fakeSession) AgentID() uuid.UUID { return s.agentID }
func (s *fakeSession) Epoch() uint64      { return s.epoch }

func (s *fakeSession) Enqueue(f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSession) sent() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Frame(nil), s.frames...)
}

func newFakeSession(epoch uint64) *fakeSession {
	return &fakeSession{agentID: uuid.New(), epoch: epoch}
}

func TestDispatchDeliversReply(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	done := make(chan struct{})
	var got wire.Frame
	var dispatchErr error
	go func() {
		defer close(done)
		got, dispatchErr = c.Dispatch(context.Background(), sess,
			wire.Frame{Kind: wire.KindQueryRequest, SQL: "SELECT 1"}, time.Second)
	}()

	// Wait for the request frame to be enqueued, then answer it.
	var req wire.Frame
	require.Eventually(t, func() bool {
		frames := sess.sent()
		if len(frames) == 0 {
			return false
		}
		req = frames[0]
		return true
	}, time.Second, time.Millisecond)

	require.NotZero(t, req.RequestID)
	c.Deliver(sess.agentID, sess.epoch, wire.Frame{
		Kind:      wire.KindQueryResponse,
		RequestID: req.RequestID,
		RowCount:  3,
	})

	<-done
	require.NoError(t, dispatchErr)
	assert.Equal(t, wire.KindQueryResponse, got.Kind)
	assert.Equal(t, 3, got.RowCount)
	assert.Zero(t, c.Pending())
}

func TestDispatchAssignsDistinctRequestIDs(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispatch(ctx, sess, wire.Frame{Kind: wire.KindQueryRequest}, time.Minute) //nolint:errcheck
		}()
	}

	require.Eventually(t, func() bool { return len(sess.sent()) == 10 }, time.Second, time.Millisecond)

	seen := make(map[uint64]bool)
	for _, f := range sess.sent() {
		assert.False(t, seen[f.RequestID], "request ID %d reused", f.RequestID)
		seen[f.RequestID] = true
	}

	cancel()
	wg.Wait()
	assert.Zero(t, c.Pending())
}

func TestDeliverSecondReplyIsDropped(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Dispatch(context.Background(), sess, wire.Frame{Kind: wire.KindQueryRequest}, time.Second) //nolint:errcheck
	}()

	require.Eventually(t, func() bool { return len(sess.sent()) == 1 }, time.Second, time.Millisecond)
	id := sess.sent()[0].RequestID

	reply := wire.Frame{Kind: wire.KindQueryResponse, RequestID: id}
	c.Deliver(sess.agentID, sess.epoch, reply)
	// The duplicate finds no sink; Deliver must not panic or block.
	c.Deliver(sess.agentID, sess.epoch, reply)

	<-done
	assert.Zero(t, c.Pending())
}

func TestDeliverStaleEpochIsDropped(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(2)

	done := make(chan struct{})
	var dispatchErr error
	go func() {
		defer close(done)
		_, dispatchErr = c.Dispatch(context.Background(), sess,
			wire.Frame{Kind: wire.KindQueryRequest}, 200*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return len(sess.sent()) == 1 }, time.Second, time.Millisecond)
	id := sess.sent()[0].RequestID

	// Same agent and request ID but an older epoch: must not resolve the sink.
	c.Deliver(sess.agentID, 1, wire.Frame{Kind: wire.KindQueryResponse, RequestID: id})

	<-done
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(dispatchErr))
}

func TestDispatchTimeout(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	_, err := c.Dispatch(context.Background(), sess,
		wire.Frame{Kind: wire.KindSchemaRefreshRequest}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))
	assert.Zero(t, c.Pending())
}

func TestDispatchZeroTimeoutFailsWithoutSending(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	_, err := c.Dispatch(context.Background(), sess, wire.Frame{Kind: wire.KindQueryRequest}, 0)
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))
	assert.Empty(t, sess.sent(), "no frame may be sent for an already-elapsed deadline")
}

func TestDispatchEnqueueFailure(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)
	sess.err = fault.New(fault.CodeAgentUnreachable, "send buffer full")

	_, err := c.Dispatch(context.Background(), sess, wire.Frame{Kind: wire.KindQueryRequest}, time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.CodeAgentUnreachable, fault.CodeOf(err))
	assert.Zero(t, c.Pending())
}

func TestDispatchContextCancel(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var dispatchErr error
	go func() {
		defer close(done)
		_, dispatchErr = c.Dispatch(ctx, sess, wire.Frame{Kind: wire.KindQueryRequest}, time.Minute)
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, dispatchErr, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestFailSessionResolvesOnlyThatEpoch(t *testing.T) {
	c := New(zap.NewNop())
	old := newFakeSession(1)
	current := &fakeSession{agentID: old.agentID, epoch: 2}

	errs := make(chan error, 2)
	for _, s := range []*fakeSession{old, current} {
		s := s
		go func() {
			_, err := c.Dispatch(context.Background(), s, wire.Frame{Kind: wire.KindQueryRequest}, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, time.Millisecond)

	c.FailSession(old.agentID, old.epoch)

	err := <-errs
	assert.Equal(t, fault.CodeAgentUnreachable, fault.CodeOf(err))
	assert.Equal(t, 1, c.Pending(), "the current epoch's request must survive")

	// Resolve the survivor so the goroutine exits.
	c.Deliver(current.agentID, current.epoch, wire.Frame{
		Kind:      wire.KindQueryResponse,
		RequestID: lastRequestID(current),
	})
	require.NoError(t, <-errs)
}

func TestFailAgentResolvesAllEpochs(t *testing.T) {
	c := New(zap.NewNop())
	a := newFakeSession(1)
	b := &fakeSession{agentID: a.agentID, epoch: 2}

	errs := make(chan error, 2)
	for _, s := range []*fakeSession{a, b} {
		s := s
		go func() {
			_, err := c.Dispatch(context.Background(), s, wire.Frame{Kind: wire.KindQueryRequest}, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, time.Millisecond)

	c.FailAgent(a.agentID)

	for i := 0; i < 2; i++ {
		assert.Equal(t, fault.CodeAgentUnreachable, fault.CodeOf(<-errs))
	}
	assert.Zero(t, c.Pending())
}

func TestShutdownResolvesEverything(t *testing.T) {
	c := New(zap.NewNop())
	sessions := []*fakeSession{newFakeSession(1), newFakeSession(1), newFakeSession(3)}

	errs := make(chan error, len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			_, err := c.Dispatch(context.Background(), s, wire.Frame{Kind: wire.KindQueryRequest}, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == len(sessions) }, time.Second, time.Millisecond)

	c.Shutdown()

	for range sessions {
		assert.Equal(t, fault.CodeShutdown, fault.CodeOf(<-errs))
	}
	assert.Zero(t, c.Pending())
}

func TestErrorFrameBecomesFault(t *testing.T) {
	c := New(zap.NewNop())
	sess := newFakeSession(1)

	done := make(chan struct{})
	var dispatchErr error
	go func() {
		defer close(done)
		_, dispatchErr = c.Dispatch(context.Background(), sess,
			wire.Frame{Kind: wire.KindQueryRequest}, time.Second)
	}()

	require.Eventually(t, func() bool { return len(sess.sent()) == 1 }, time.Second, time.Millisecond)
	c.Deliver(sess.agentID, sess.epoch, wire.Frame{
		Kind:      wire.KindError,
		RequestID: sess.sent()[0].RequestID,
		Code:      "internal",
		Message:   "query execution failed",
	})

	<-done
	require.Error(t, dispatchErr)
	assert.Equal(t, fault.CodeInternal, fault.CodeOf(dispatchErr))
	assert.Equal(t, "query execution failed", fault.MessageOf(dispatchErr))
}

func TestErrorFrameUnknownCodeMapsToInternal(t *testing.T) {
	assert.Equal(t, fault.CodeInternal,
		fault.CodeOf(frameError(wire.Frame{Kind: wire.KindError, Code: "banana"})))
	assert.Equal(t, fault.CodeUnsafeQuery,
		fault.CodeOf(frameError(wire.Frame{Kind: wire.KindError, Code: "unsafe_query"})))
}

func lastRequestID(s *fakeSession) uint64 {
	frames := s.sent()
	return frames[len(frames)-1].RequestID
}
