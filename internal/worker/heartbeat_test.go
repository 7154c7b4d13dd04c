package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

type fakePinger struct {
	mu    sync.Mutex
	pings []model.PingRequest
	err   error
}

func (p *fakePinger) Ping(_ context.Context, req model.PingRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, req)
	return p.err
}

func (p *fakePinger) Sent() []model.PingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.PingRequest(nil), p.pings...)
}

func TestHeartbeatAccumulatesTicks(t *testing.T) {
	p := &fakePinger{}
	h := NewHeartbeat(p, "w1", time.Second, 3*time.Second, zap.NewNop())

	var sent []bool
	for i := 0; i < 8; i++ {
		sent = append(sent, h.step(context.Background()))
	}
	// 累计正好等于间隔时不发，超过才发
	assert.Equal(t, []bool{false, false, false, true, false, false, false, true}, sent)
	assert.Len(t, p.Sent(), 2)
}

func TestHeartbeatWaitsPastInterval(t *testing.T) {
	p := &fakePinger{}
	h := NewHeartbeat(p, "w1", 500*time.Millisecond, time.Second, zap.NewNop())

	assert.False(t, h.step(context.Background()))
	assert.False(t, h.step(context.Background()))
	assert.Empty(t, p.Sent())
	assert.True(t, h.step(context.Background()))
	assert.Len(t, p.Sent(), 1)
}

func TestHeartbeatCarriesStatus(t *testing.T) {
	p := &fakePinger{}
	h := NewHeartbeat(p, "w1", time.Second, 500*time.Millisecond, zap.NewNop())

	require.True(t, h.step(context.Background()))
	trial := int64(42)
	h.SetStatus(model.NodeRunning, &trial)
	trial = 0 // 调用方后续修改不影响心跳
	require.True(t, h.step(context.Background()))
	h.SetStatus(model.NodeIdle, nil)
	require.True(t, h.step(context.Background()))

	sent := p.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, model.NodeIdle, sent[0].Status)
	assert.Nil(t, sent[0].CurrentTrialID)
	assert.Equal(t, model.NodeRunning, sent[1].Status)
	require.NotNil(t, sent[1].CurrentTrialID)
	assert.Equal(t, int64(42), *sent[1].CurrentTrialID)
	assert.Nil(t, sent[2].CurrentTrialID)
	for _, s := range sent {
		assert.Equal(t, "w1", s.NodeID)
	}
}

func TestHeartbeatFailuresAreSwallowed(t *testing.T) {
	p := &fakePinger{err: errdefs.Transport(errors.New("connection refused"), "ping")}
	h := NewHeartbeat(p, "w1", time.Second, 500*time.Millisecond, zap.NewNop())

	assert.True(t, h.step(context.Background()))
	assert.True(t, h.step(context.Background()))
	assert.Len(t, p.Sent(), 2)
}

func TestHeartbeatReregistersOnNotFound(t *testing.T) {
	p := &fakePinger{err: errdefs.NotFoundf("node w1 not found")}
	h := NewHeartbeat(p, "w1", time.Second, 5*time.Second, zap.NewNop())

	calls := 0
	h.OnNotFound(func(context.Context) error {
		calls++
		p.mu.Lock()
		p.err = nil
		p.mu.Unlock()
		h.SetInterval(2 * time.Second)
		return nil
	})

	for i := 0; i < 5; i++ {
		assert.False(t, h.step(context.Background()))
	}
	assert.Zero(t, calls)
	assert.True(t, h.step(context.Background()))
	assert.Equal(t, 1, calls)

	// 新的间隔生效
	assert.False(t, h.step(context.Background()))
	assert.False(t, h.step(context.Background()))
	assert.True(t, h.step(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestHeartbeatStopsWithinTick(t *testing.T) {
	p := &fakePinger{}
	h := NewHeartbeat(p, "w1", 10*time.Millisecond, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
	assert.Empty(t, p.Sent())
}
