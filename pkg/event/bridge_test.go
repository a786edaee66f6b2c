package event

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

const testConn = "conn-1"

func ack() transport.Payload {
	return transport.Payload{Kind: transport.KindAck}
}

func newTestBridge(conns ...string) *Bridge {
	b := NewBridge()
	b.Track(testConn)
	for _, c := range conns {
		b.Track(c)
	}
	return b
}

func TestWaiterResolvesExactlyOnce(t *testing.T) {
	b := newTestBridge()

	w, err := b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.Nil(t, err)
	assert.Equal(t, 1, b.PendingWaiters())

	b.Dispatch(testConn, transport.EventExec, transport.Payload{Kind: transport.KindOutput, Data: "hi"})

	p, err := w.Wait()
	assert.Nil(t, err)
	assert.Equal(t, "hi", p.Data)
	assert.Equal(t, 0, b.PendingWaiters())

	// a second matching notification finds no consumer and is dropped
	before := b.DroppedTotal()
	b.Dispatch(testConn, transport.EventExec, transport.Payload{Kind: transport.KindOutput, Data: "late"})
	assert.Equal(t, before+1, b.DroppedTotal())
}

func TestDuplicateWaiterRejected(t *testing.T) {
	b := newTestBridge("conn-2")

	_, err := b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.Nil(t, err)

	_, err = b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.True(t, errors.Is(err, types.ErrOperationRejected))

	// same event on another connection is fine
	_, err = b.RegisterWaiter("conn-2", transport.EventExec, 0)
	assert.Nil(t, err)
}

func TestTeardownRejectsAllPending(t *testing.T) {
	b := newTestBridge("conn-2")

	events := []string{transport.EventExec, transport.EventShellOpen, transport.EventSftpList}
	var waiters []*Waiter
	for _, ev := range events {
		w, err := b.RegisterWaiter(testConn, ev, 0)
		assert.Nil(t, err)
		waiters = append(waiters, w)
	}
	keep, err := b.RegisterWaiter("conn-2", transport.EventExec, 0)
	assert.Nil(t, err)

	b.Teardown(testConn)

	for _, w := range waiters {
		_, err := w.Wait()
		assert.True(t, errors.Is(err, types.ErrConnectionClosed))
	}
	// the other connection's waiter survives
	assert.Equal(t, 1, b.PendingWaiters())

	// stray notifications after teardown resolve nothing
	for _, ev := range events {
		b.Dispatch(testConn, ev, ack())
	}
	assert.Equal(t, 1, b.PendingWaiters())

	b.Dispatch("conn-2", transport.EventExec, transport.Payload{Kind: transport.KindOutput})
	_, err = keep.Wait()
	assert.Nil(t, err)
}

func TestRegisterAfterTeardownRejected(t *testing.T) {
	b := newTestBridge()
	b.Teardown(testConn)

	_, err := b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))

	// a key the bridge never tracked gets the same answer
	_, err = b.RegisterWaiter("conn-never", transport.EventExec, 0)
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
}

func TestHandlerAfterTeardownRejected(t *testing.T) {
	b := newTestBridge()
	b.Teardown(testConn)

	var got []string
	id := b.RegisterHandler(testConn, transport.EventShellData, func(p transport.Payload) {
		got = append(got, p.Data)
	})
	assert.EqualValues(t, 0, id)
	assert.Equal(t, 0, b.HandlerCount())

	// a stray notification for the dead key reaches nobody
	b.Dispatch(testConn, transport.EventShellData, transport.Payload{Kind: transport.KindOutput, Data: "stray"})
	assert.Empty(t, got)
}

func TestTeardownForgetsConnectionState(t *testing.T) {
	b := NewBridge()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("conn-%d", i)
		b.Track(key)
		b.RegisterHandler(key, transport.EventShellData, func(transport.Payload) {})
		_, err := b.RegisterWaiter(key, transport.EventExec, 0)
		assert.Nil(t, err)
		b.Teardown(key)
	}

	assert.Equal(t, 0, b.PendingWaiters())
	assert.Equal(t, 0, b.HandlerCount())
	assert.Empty(t, b.live)
	assert.Empty(t, b.waiters)
	assert.Empty(t, b.handlers)
}

func TestPersistentHandlerStreams(t *testing.T) {
	b := newTestBridge()

	var mu sync.Mutex
	var got []string
	id := b.RegisterHandler(testConn, transport.EventShellData, func(p transport.Payload) {
		mu.Lock()
		got = append(got, p.Data)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		b.Dispatch(testConn, transport.EventShellData, transport.Payload{Kind: transport.KindOutput, Data: fmt.Sprintf("chunk-%d", i)})
	}

	b.UnregisterHandler(testConn, transport.EventShellData, id)
	b.Dispatch(testConn, transport.EventShellData, transport.Payload{Kind: transport.KindOutput, Data: "chunk-3"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chunk-0", "chunk-1", "chunk-2"}, got)
	assert.Equal(t, 0, b.HandlerCount())
}

func TestOneShotPriorityOverHandler(t *testing.T) {
	b := newTestBridge()

	var streamed []string
	b.RegisterHandler(testConn, transport.EventExec, func(p transport.Payload) {
		streamed = append(streamed, p.Data)
	})
	w, err := b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.Nil(t, err)

	b.Dispatch(testConn, transport.EventExec, transport.Payload{Kind: transport.KindOutput, Data: "response"})
	p, err := w.Wait()
	assert.Nil(t, err)
	assert.Equal(t, "response", p.Data)
	assert.Empty(t, streamed)

	// with the waiter consumed, the handler is next in line
	b.Dispatch(testConn, transport.EventExec, transport.Payload{Kind: transport.KindOutput, Data: "stream"})
	assert.Equal(t, []string{"stream"}, streamed)
}

func TestWaiterTimeout(t *testing.T) {
	b := newTestBridge()

	w, err := b.RegisterWaiter(testConn, transport.EventExec, 20*time.Millisecond)
	assert.Nil(t, err)

	_, err = w.Wait()
	assert.True(t, errors.Is(err, types.ErrConnectionFailure))
	assert.Equal(t, 0, b.PendingWaiters())

	// expiry freed the slot; a fresh registration works
	w2, err := b.RegisterWaiter(testConn, transport.EventExec, 0)
	assert.Nil(t, err)
	b.Dispatch(testConn, transport.EventExec, transport.Payload{Kind: transport.KindOutput})
	_, err = w2.Wait()
	assert.Nil(t, err)
}

func TestPayloadKindValidated(t *testing.T) {
	b := newTestBridge()

	w, _ := b.RegisterWaiter(testConn, transport.EventSftpList, 0)
	b.Dispatch(testConn, transport.EventSftpList, transport.Payload{Kind: transport.KindOutput, Data: "not entries"})

	_, err := w.Wait()
	assert.True(t, errors.Is(err, types.ErrRemote))
}

func TestErrorPayloadPropagates(t *testing.T) {
	b := newTestBridge()

	w, _ := b.RegisterWaiter(testConn, transport.EventConnect, 0)
	b.Dispatch(testConn, transport.EventConnect, transport.Payload{
		Err: errors.WithMessage(types.ErrConnectionFailure, "auth rejected"),
	})

	_, err := w.Wait()
	assert.True(t, errors.Is(err, types.ErrConnectionFailure))
	assert.Contains(t, err.Error(), "auth rejected")
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
	b := newTestBridge()

	const n = 100
	var wg sync.WaitGroup
	resolved := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := fmt.Sprintf("event-%d", i)
			w, err := b.RegisterWaiter(testConn, ev, 0)
			if !assert.Nil(t, err) {
				return
			}
			// registration happened before the "command", so the racing
			// dispatch below cannot miss it
			go b.Dispatch(testConn, ev, transport.Payload{Kind: transport.KindNone})
			if _, err := w.Wait(); err == nil {
				resolved <- struct{}{}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, len(resolved))
	assert.Equal(t, 0, b.PendingWaiters())
}
