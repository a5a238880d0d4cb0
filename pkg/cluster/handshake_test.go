package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus/membus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/comm"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

type testCluster struct {
	broker     *membus.Broker
	comms      []*comm.Communicator
	handshakes []*Handshake
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Backend = config.BackendMemory
	opts := CommOptions(cfg)
	opts.ReceiveWait = 20 * time.Millisecond

	tc := &testCluster{broker: membus.NewBroker(logger.NewNop())}
	for rank := 0; rank < size; rank++ {
		world, err := types.NewWorld(size, rank)
		require.NoError(t, err)
		c := comm.New(world, tc.broker.Client("mpi", "shared"), opts, logger.NewNop())
		tc.comms = append(tc.comms, c)
		tc.handshakes = append(tc.handshakes,
			New(c, logger.NewNop(), WithAddressResolver(StaticAddress(fmt.Sprintf("10.0.0.%d", rank+1)))))
	}
	t.Cleanup(tc.broker.Close)
	return tc
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInitSingleNode(t *testing.T) {
	tc := newTestCluster(t, 1)
	h := tc.handshakes[0]

	cfg, err := h.Init(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, StateLocal, h.State())
	assert.Equal(t, 1, cfg.WorldSize)
	assert.True(t, cfg.MainNode)
	assert.False(t, cfg.MultinodeAvailable)
	assert.Equal(t, "10.0.0.1", cfg.HeadAddress)
	assert.Equal(t, "10.0.0.1", cfg.LocalAddress)
	assert.Empty(t, cfg.Workers)
	assert.Equal(t, int64(0), tc.broker.Stats().Dials)

	require.NoError(t, h.Shutdown(testContext(t)))
	assert.Equal(t, StateTeardown, h.State())
}

func TestInitAndShutdown(t *testing.T) {
	const size = 3
	tc := newTestCluster(t, size)
	ctx := testContext(t)

	results := make([]*types.RemoteClusterConfig, size)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			cfg, err := tc.handshakes[rank].Init(gctx)
			results[rank] = cfg
			return err
		})
	}
	require.NoError(t, g.Wait())

	head := results[0]
	assert.True(t, head.MainNode)
	assert.True(t, head.MultinodeAvailable)
	assert.Equal(t, "10.0.0.1", head.HeadAddress)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, head.Workers)

	for rank := 1; rank < size; rank++ {
		w := results[rank]
		assert.False(t, w.MainNode)
		assert.Equal(t, rank, w.WorldRank)
		assert.Equal(t, "10.0.0.1", w.HeadAddress)
		assert.Equal(t, fmt.Sprintf("10.0.0.%d", rank+1), w.LocalAddress)
		assert.Equal(t, tc.handshakes[0].Setup().SessionID, tc.handshakes[rank].Setup().SessionID)
	}
	for _, h := range tc.handshakes {
		assert.Equal(t, StateRunning, h.State())
	}
	assert.False(t, tc.handshakes[0].Setup().SessionID.IsEmpty())

	g, gctx = errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			return tc.handshakes[rank].Shutdown(gctx)
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range tc.handshakes {
		assert.Equal(t, StateTeardown, h.State())
	}
	for _, c := range tc.comms {
		assert.Empty(t, c.Registry().Keys())
	}
}

func TestInitFailsFastOnBadStatus(t *testing.T) {
	const size = 4
	tc := newTestCluster(t, size)
	ctx := testContext(t)

	headErr := make(chan error, 1)
	go func() {
		_, err := tc.handshakes[0].Init(ctx)
		headErr <- err
	}()

	// rank 1 is healthy
	go func() {
		_, _ = tc.handshakes[1].Init(ctx)
	}()

	// rank 2 reports a failure, rank 3 never reports
	c2 := tc.comms[2]
	require.NoError(t, c2.Initialize(ctx))
	_, err := comm.RecvInto[types.SetupConfig](ctx, c2, 0, types.TagClusterSetup)
	require.NoError(t, err)
	require.NoError(t, c2.Send(ctx, types.WorkerStatus{LocalAddress: "10.0.0.3", Status: "DISK_FULL"}, 0, types.TagSetupFinished))

	select {
	case err := <-headErr:
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeSetupFailure))
		assert.Contains(t, err.Error(), "node #2")
		assert.Contains(t, err.Error(), "DISK_FULL")
	case <-time.After(10 * time.Second):
		t.Fatal("head did not fail fast")
	}
	assert.Equal(t, StateAwaitingWorkers, tc.handshakes[0].State())
}

func TestInitRejectsNonStatusPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{"plain string", "OK"},
		{"object without status", map[string]string{"local_address": "10.0.0.2"}},
		{"list", []int{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestCluster(t, 2)
			ctx := testContext(t)

			headErr := make(chan error, 1)
			go func() {
				_, err := tc.handshakes[0].Init(ctx)
				headErr <- err
			}()

			c1 := tc.comms[1]
			require.NoError(t, c1.Initialize(ctx))
			_, err := c1.Recv(ctx, 0, types.TagClusterSetup)
			require.NoError(t, err)
			require.NoError(t, c1.Send(ctx, tt.payload, 0, types.TagSetupFinished))

			err = <-headErr
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeSetupFailure))
		})
	}
}

func TestPollShutdown(t *testing.T) {
	tc := newTestCluster(t, 2)
	ctx := testContext(t)
	head, worker := tc.comms[0], tc.handshakes[1]
	require.NoError(t, head.Initialize(ctx))

	done, err := worker.PollShutdown(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, head.Send(ctx, "NOT_SHUTDOWN", 1, types.TagClusterShutdown))
	done, err = worker.PollShutdown(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, head.Send(ctx, map[string]string{"cmd": "SHUTDOWN"}, 1, types.TagClusterShutdown))
	done, err = worker.PollShutdown(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, head.Send(ctx, types.ShutdownSentinel, 1, types.TagClusterShutdown))
	done, err = worker.PollShutdown(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWorkerShutdownHonorsContext(t *testing.T) {
	tc := newTestCluster(t, 2)
	require.NoError(t, tc.comms[1].Initialize(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := tc.handshakes[1].Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateTeardown, tc.handshakes[1].State())
}

func TestTeardownRunsOnce(t *testing.T) {
	tc := newTestCluster(t, 2)
	h := tc.handshakes[0]

	h.Teardown(context.Background())
	h.Teardown(context.Background())
	assert.Equal(t, StateTeardown, h.State())
}

func TestCommOptionsIncludeHandshakeTags(t *testing.T) {
	cfg := config.Default()
	opts := CommOptions(cfg)
	assert.Equal(t, types.HandshakeTags(), opts.Tags)

	cfg.Comm.AllowedTags = []string{"a", "*"}
	opts = CommOptions(cfg)
	assert.Equal(t, append(types.HandshakeTags(), "a", types.AnyTag), opts.Tags)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingWorkers", StateAwaitingWorkers.String())
	assert.Equal(t, "Teardown", StateTeardown.String())
	assert.Equal(t, "Unknown", State(42).String())
}
