package comm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus/membus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

func testWorld(t *testing.T, size, rank int) types.World {
	t.Helper()
	w, err := types.NewWorld(size, rank)
	require.NoError(t, err)
	return w
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReceiveWait = 20 * time.Millisecond
	return opts
}

func newFakeComm(t *testing.T, size, rank int) (*Communicator, *fakeClient) {
	t.Helper()
	f := newFakeClient()
	return New(testWorld(t, size, rank), f, testOptions(), logger.NewNop()), f
}

var errTransient = errors.New("transient bus fault")

func TestRecvExhaustsAfterMaxFaults(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(string, int) ([]*bus.ReceivedMessage, error) {
		return nil, errTransient
	}

	_, err := c.Recv(context.Background(), 0, "a")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeRetriesExhausted))
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "0=>1:a")
	assert.Equal(t, 10, f.receiveCalls["0=>1:a"])
}

func TestRecvSucceedsAfterNineFaults(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call < 10 {
			return nil, errTransient
		}
		return []*bus.ReceivedMessage{message(`"ok"`)}, nil
	}

	payload, err := c.Recv(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(payload))
	assert.Equal(t, 10, f.receiveCalls["0=>1:a"])
	assert.Equal(t, 1, f.completed["0=>1:a"])
}

func TestRecvReinitializesOnLockLoss(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call <= 2 {
			return nil, bus.ErrSessionLockLost
		}
		return []*bus.ReceivedMessage{message(`1`)}, nil
	}

	payload, err := c.Recv(context.Background(), 0, types.AnyTag)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(payload))
	// one initial dial plus one per lost lock
	assert.Equal(t, 3, f.dials["0=>1:*"])
	assert.Contains(t, f.closes, "receiver:0=>1:*")
	assert.Contains(t, f.closes, "conn:0=>1:*")
}

func TestRecvExhaustsAfterMaxLockLosses(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(string, int) ([]*bus.ReceivedMessage, error) {
		return nil, bus.ErrSessionLockLost
	}

	_, err := c.Recv(context.Background(), 0, "a")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeRetriesExhausted))
	assert.Equal(t, 10, f.receiveCalls["0=>1:a"])
}

func TestRecvCountsFaultsAndLockLossesSeparately(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		switch {
		case call <= 9:
			return nil, errTransient
		case call <= 18:
			return nil, bus.ErrSessionLockLost
		default:
			return []*bus.ReceivedMessage{message(`true`)}, nil
		}
	}

	payload, err := c.Recv(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(payload))
	assert.Equal(t, 19, f.receiveCalls["0=>1:a"])
}

func TestRecvMaxAttemptsCapsCombinedCount(t *testing.T) {
	f := newFakeClient()
	opts := testOptions()
	opts.Retry.MaxAttempts = 10
	c := New(testWorld(t, 2, 1), f, opts, logger.NewNop())
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call%2 == 1 {
			return nil, errTransient
		}
		return nil, bus.ErrSessionLockLost
	}

	_, err := c.Recv(context.Background(), 0, "a")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeRetriesExhausted))
	assert.Contains(t, err.Error(), "5 faults and 5 lost session locks")
	assert.Equal(t, 10, f.receiveCalls["0=>1:a"])
}

func TestRecvInterleavedFailuresWithoutCap(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call%2 == 1 {
			return nil, errTransient
		}
		return nil, bus.ErrSessionLockLost
	}

	_, err := c.Recv(context.Background(), 0, "a")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeRetriesExhausted))
	assert.Equal(t, 19, f.receiveCalls["0=>1:a"])
}

func TestRecvEmptyBlockingPollResetsCounters(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		switch {
		case call <= 9:
			return nil, errTransient
		case call == 10:
			return nil, nil
		case call <= 19:
			return nil, errTransient
		default:
			return []*bus.ReceivedMessage{message(`2`)}, nil
		}
	}

	_, err := c.Recv(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.Equal(t, 20, f.receiveCalls["0=>1:a"])
}

func TestIprobeEmptyDoesNotRetry(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)

	payload, ok, err := c.Iprobe(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)
	assert.Equal(t, 1, f.receiveCalls["0=>1:a"])
}

func TestIprobeConsumes(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call == 1 {
			return []*bus.ReceivedMessage{message(`"x"`)}, nil
		}
		return nil, nil
	}

	_, ok, err := c.Iprobe(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.completed["0=>1:a"])

	_, ok, err = c.Iprobe(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecvAbandonsRestOfBatch(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.receive = func(string, int) ([]*bus.ReceivedMessage, error) {
		return []*bus.ReceivedMessage{message(`1`), message(`2`), message(`3`)}, nil
	}

	payload, err := c.Recv(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(payload))
	assert.Equal(t, 1, f.completed["0=>1:a"])
	assert.Equal(t, 2, f.abandoned["0=>1:a"])
}

func TestRecvAbandonsWholeBatchWhenCompleteFails(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	f.failCompletes = 1
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call == 1 {
			return []*bus.ReceivedMessage{message(`1`), message(`2`), message(`3`)}, nil
		}
		return []*bus.ReceivedMessage{message(`1`)}, nil
	}

	payload, err := c.Recv(context.Background(), 0, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(payload))
	assert.Equal(t, 2, f.receiveCalls["0=>1:a"])
	assert.Equal(t, 2, f.completed["0=>1:a"])
	assert.Equal(t, 3, f.abandoned["0=>1:a"])
}

func TestRecvHonorsContext(t *testing.T) {
	c, f := newFakeComm(t, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	f.receive = func(_ string, call int) ([]*bus.ReceivedMessage, error) {
		if call == 3 {
			cancel()
		}
		return nil, nil
	}

	_, err := c.Recv(ctx, 0, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, f.receiveCalls["0=>1:a"])
}

func TestRecvRejectsBadSource(t *testing.T) {
	c, _ := newFakeComm(t, 2, 1)

	_, err := c.Recv(context.Background(), 1, "a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidChannel))

	_, err = c.Recv(context.Background(), 5, "a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSend(t *testing.T) {
	c, f := newFakeComm(t, 3, 0)

	require.NoError(t, c.Send(context.Background(), map[string]int{"n": 1}, 2, "a"))
	require.Len(t, f.sent, 1)
	assert.Equal(t, "0=>2:a", f.sent[0].SessionID)
	assert.Equal(t, bus.ContentTypeJSON, f.sent[0].ContentType)
	assert.JSONEq(t, `{"n":1}`, string(f.sent[0].Body))
}

func TestSendFailureIsNotRetried(t *testing.T) {
	c, f := newFakeComm(t, 2, 0)
	f.sendErr = errTransient

	err := c.Send(context.Background(), "hello", 1, "a")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeSendFailed))
	assert.ErrorIs(t, err, errTransient)
	assert.Len(t, f.sent, 1)
}

func TestSendRejectsBadTarget(t *testing.T) {
	c, f := newFakeComm(t, 2, 0)

	err := c.Send(context.Background(), "x", 0, "a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidChannel))

	err = c.Send(context.Background(), "x", -1, "a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	err = c.Send(context.Background(), func() {}, 1, "a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	assert.Empty(t, f.sent)
}

func TestInitializeCreatesSubscription(t *testing.T) {
	c, f := newFakeComm(t, 3, 0)
	f.exists = false

	require.NoError(t, c.Initialize(context.Background()))
	require.Len(t, f.created, 1)
	props := f.created[0]
	assert.True(t, props.RequiresSession)
	assert.Equal(t, config.DefaultMessageTTL, props.MessageTTL)
	assert.Equal(t, int32(config.DefaultMaxDeliveryCount), props.MaxDeliveryCount)
	assert.Equal(t, config.DefaultAutoDeleteOnIdle, props.AutoDeleteOnIdle)

	// every ordered pair of distinct ranks, one tag
	assert.Equal(t, 6, f.totalDials())
	assert.Equal(t, 0, f.dials["0=>0:*"])
	assert.Equal(t, 1, f.dials["2=>1:*"])
}

func TestInitializeReusesSubscription(t *testing.T) {
	f := newFakeClient()
	opts := testOptions()
	opts.Tags = []types.Tag{"a", "b"}
	c := New(testWorld(t, 2, 1), f, opts, logger.NewNop())

	require.NoError(t, c.Initialize(context.Background()))
	assert.Empty(t, f.created)
	assert.Equal(t, 4, f.totalDials())
	assert.Len(t, c.Registry().Keys(), 4)
}

func TestInitializeCreateFailure(t *testing.T) {
	c, f := newFakeComm(t, 2, 0)
	f.exists = false
	f.createErr = errors.New("conflict")

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestInitializeLazy(t *testing.T) {
	f := newFakeClient()
	opts := testOptions()
	opts.LazyInit = true
	c := New(testWorld(t, 4, 0), f, opts, logger.NewNop())

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, 0, f.totalDials())
}

func TestFinalizeClosesInOrderDespiteFaults(t *testing.T) {
	c, f := newFakeComm(t, 2, 0)
	f.closeErr = errTransient
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, 1, 1, "a"))
	_, _, err := c.Iprobe(ctx, 1, "a")
	require.NoError(t, err)

	c.Finalize(ctx)
	assert.Equal(t, []string{
		"sender:0=>1:a",
		"receiver:1=>0:a",
		"conn:0=>1:a",
		"conn:1=>0:a",
	}, f.closes)
	assert.Empty(t, c.Registry().Keys())
}

func TestFlushRecvSwallowsFaults(t *testing.T) {
	c, f := newFakeComm(t, 3, 0)
	ctx := context.Background()

	f.receive = func(sessionID string, call int) ([]*bus.ReceivedMessage, error) {
		switch {
		case call == 1:
			return nil, nil
		case sessionID == "1=>0:*":
			return nil, errTransient
		case call <= 3:
			return []*bus.ReceivedMessage{message(`1`), message(`2`)}, nil
		default:
			return nil, nil
		}
	}

	// attach both receivers with an empty probe
	for _, src := range []int{1, 2} {
		_, ok, err := c.Iprobe(ctx, src, types.AnyTag)
		require.NoError(t, err)
		require.False(t, ok)
	}

	c.FlushRecv(ctx)
	assert.Equal(t, 2, f.receiveCalls["1=>0:*"])
	assert.Equal(t, 4, f.completed["2=>0:*"])
	assert.Equal(t, 4, f.receiveCalls["2=>0:*"])
}

func newMembusWorld(t *testing.T, size int) (*membus.Broker, []*Communicator) {
	t.Helper()
	broker := membus.NewBroker(logger.NewNop())
	comms := make([]*Communicator, size)
	for rank := 0; rank < size; rank++ {
		comms[rank] = New(testWorld(t, size, rank), broker.Client("mpi", "shared"), testOptions(), logger.NewNop())
	}
	require.NoError(t, comms[0].Initialize(context.Background()))
	for _, c := range comms[1:] {
		require.NoError(t, c.Initialize(context.Background()))
	}
	t.Cleanup(func() {
		for _, c := range comms {
			c.Finalize(context.Background())
		}
		broker.Close()
	})
	return broker, comms
}

type greeting struct {
	From int    `json:"from"`
	Text string `json:"text"`
}

func TestRoundTripOverMembus(t *testing.T) {
	ctx := context.Background()
	_, comms := newMembusWorld(t, 3)

	for _, tag := range []types.Tag{"a", types.AnyTag} {
		require.NoError(t, comms[0].Send(ctx, greeting{From: 0, Text: "hello"}, 2, tag))
		got, err := RecvInto[greeting](ctx, comms[2], 0, tag)
		require.NoError(t, err)
		assert.Equal(t, greeting{From: 0, Text: "hello"}, got)
	}

	// channels are directional and tag-scoped
	require.NoError(t, comms[2].Send(ctx, "back", 0, "a"))
	_, ok, err := comms[2].Iprobe(ctx, 0, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = comms[0].Iprobe(ctx, 2, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	back, ok, err := IprobeInto[string](ctx, comms[0], 2, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "back", back)
}

func TestRoundTripPreservesOrder(t *testing.T) {
	ctx := context.Background()
	_, comms := newMembusWorld(t, 2)

	for i := 0; i < 15; i++ {
		require.NoError(t, comms[1].Send(ctx, i, 0, "seq"))
	}
	for i := 0; i < 15; i++ {
		got, err := RecvInto[int](ctx, comms[0], 1, "seq")
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, comms := newMembusWorld(t, 2)

	done := make(chan json.RawMessage, 1)
	go func() {
		payload, err := comms[1].Recv(ctx, 0, "late")
		if err == nil {
			done <- payload
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, comms[0].Send(ctx, "finally", 1, "late"))

	payload, ok := <-done
	require.True(t, ok)
	assert.JSONEq(t, `"finally"`, string(payload))
}

func TestRecvRecoversFromExpiredLockOverMembus(t *testing.T) {
	ctx := context.Background()
	broker, comms := newMembusWorld(t, 2)

	_, ok, err := comms[1].Iprobe(ctx, 0, "a")
	require.NoError(t, err)
	require.False(t, ok)

	broker.ExpireSessionLock("mpi", "shared", "0=>1:a")
	require.NoError(t, comms[0].Send(ctx, 7, 1, "a"))

	got, err := RecvInto[int](ctx, comms[1], 0, "a")
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, int64(1), broker.Stats().LocksLost)
}

func TestFlushRecvOverMembus(t *testing.T) {
	ctx := context.Background()
	broker, comms := newMembusWorld(t, 2)

	// attach the receivers
	for _, tag := range []types.Tag{"a", "b"} {
		_, _, err := comms[1].Iprobe(ctx, 0, tag)
		require.NoError(t, err)
	}
	for i := 0; i < 12; i++ {
		require.NoError(t, comms[0].Send(ctx, i, 1, "b"))
	}
	broker.InjectReceiveFault("mpi", "shared", "0=>1:a", errTransient, 1)

	comms[1].FlushRecv(ctx)
	assert.Equal(t, 0, broker.Pending("mpi", "shared", "0=>1:b"))
}
