package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kodu/internal/worker/executor"
	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
)

type fakeOrchestrator struct {
	ledgerURL   string
	registerErr error
	study       *model.Study
	archive     []byte

	mu           sync.Mutex
	registered   int
	deregistered int
	logs         []string
	requests     atomic.Int32
}

func (o *fakeOrchestrator) Register(_ context.Context, _ string, _ model.Capabilities) (model.Registration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registerErr != nil {
		return model.Registration{}, o.registerErr
	}
	o.registered++
	return model.Registration{LedgerURL: o.ledgerURL, PingIntervalSeconds: 1}, nil
}

func (o *fakeOrchestrator) Ping(context.Context, model.PingRequest) error { return nil }

func (o *fakeOrchestrator) Deregister(context.Context, string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deregistered++
	return nil
}

func (o *fakeOrchestrator) AppendLog(_ context.Context, _ string, content string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, content)
	return nil
}

func (o *fakeOrchestrator) Logs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.logs...)
}

func (o *fakeOrchestrator) RequestStudy(context.Context) (model.Study, error) {
	o.requests.Add(1)
	if o.study == nil {
		return model.Study{}, errdefs.NotFoundf("no runnable study")
	}
	return *o.study, nil
}

func (o *fakeOrchestrator) DownloadCodebase(_ context.Context, _ string, w io.Writer) error {
	_, err := w.Write(o.archive)
	return err
}

// scriptRunner 每次启动回放一段固定输出，失败次数用完后才成功
type scriptRunner struct {
	output   string
	failures atomic.Int32
	started  atomic.Int32
}

type scriptProcess struct {
	stdout io.Reader
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (p *scriptProcess) Stdin() io.WriteCloser { return nopWriteCloser{io.Discard} }
func (p *scriptProcess) Stdout() io.Reader     { return p.stdout }
func (p *scriptProcess) Wait() error           { return nil }

func (r *scriptRunner) Start(_ context.Context, _ executor.Spec, _ io.Writer) (executor.Process, error) {
	r.started.Add(1)
	if r.failures.Add(-1) >= 0 {
		return nil, errors.New("interpreter not found")
	}
	return &scriptProcess{stdout: strings.NewReader(r.output)}, nil
}

func bundleZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("objective.py")
	require.NoError(t, err)
	_, err = w.Write([]byte("def objective(trial): return 1.0\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newLedger(t *testing.T, study string) (*ledger.Memory, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := ledger.NewMemory()
	_, err := mem.CreateStudy(context.Background(), study, []model.Direction{model.Minimize})
	require.NoError(t, err)

	r := gin.New()
	ledger.NewServer(mem).Register(r.Group("/ledger"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return mem, ts.URL + "/ledger"
}

func trialStates(t *testing.T, mem *ledger.Memory, study string) []model.TrialState {
	id, err := mem.StudyID(context.Background(), study)
	require.NoError(t, err)
	trials, err := mem.Trials(context.Background(), id)
	require.NoError(t, err)
	var out []model.TrialState
	for _, tr := range trials {
		out = append(out, tr.State)
	}
	return out
}

func newTestAgent(t *testing.T, orch *fakeOrchestrator, runner executor.Runner) *Agent {
	return NewAgent(orch, Options{
		NodeID:        "w1",
		DataDir:       t.TempDir(),
		PollInterval:  10 * time.Millisecond,
		HeartbeatTick: 10 * time.Millisecond,
		Runner:        runner,
	}, zap.NewNop())
}

func TestAgentRunsTrialsAndTearsDown(t *testing.T) {
	mem, url := newLedger(t, "s1")
	orch := &fakeOrchestrator{
		ledgerURL: url,
		study:     &model.Study{Name: "s1", Direction: []model.Direction{model.Minimize}, ObjectiveFile: "objective.py", ObjectiveFunction: "objective", State: model.StudyRunning},
		archive:   bundleZip(t),
	}
	runner := &scriptRunner{output: `{"op":"log","message":"from objective"}` + "\n" + `{"op":"result","values":[1.5]}` + "\n"}
	a := newTestAgent(t, orch, runner)
	assert.Equal(t, StateUnregistered, a.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		states := trialStates(t, mem, "s1")
		return len(states) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, l := range orch.Logs() {
			if l == "from objective" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	assert.Equal(t, StateTornDown, a.State())
	assert.Equal(t, 1, orch.registered)
	assert.Equal(t, 1, orch.deregistered)
	assert.Equal(t, model.TrialComplete, trialStates(t, mem, "s1")[0])
}

func TestAgentRecoversFromFailedTrial(t *testing.T) {
	mem, url := newLedger(t, "s2")
	orch := &fakeOrchestrator{
		ledgerURL: url,
		study:     &model.Study{Name: "s2", Direction: []model.Direction{model.Minimize}, ObjectiveFile: "objective.py", ObjectiveFunction: "objective", State: model.StudyRunning},
		archive:   bundleZip(t),
	}
	runner := &scriptRunner{output: `{"op":"result","values":[0]}` + "\n"}
	runner.failures.Store(1)
	a := newTestAgent(t, orch, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		states := trialStates(t, mem, "s2")
		return len(states) >= 2 && states[1] == model.TrialComplete
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TrialFail, trialStates(t, mem, "s2")[0])

	cancel()
	<-done
}

func TestAgentPollsWhileNoStudy(t *testing.T) {
	_, url := newLedger(t, "unused")
	orch := &fakeOrchestrator{ledgerURL: url}
	runner := &scriptRunner{}
	a := newTestAgent(t, orch, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return orch.requests.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, a.State())
	assert.Zero(t, runner.started.Load())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateTornDown, a.State())
}

func TestAgentBacksOffAfterFailedClaim(t *testing.T) {
	_, url := newLedger(t, "broken")
	orch := &fakeOrchestrator{
		ledgerURL: url,
		study:     &model.Study{Name: "broken", ObjectiveFile: "objective.py", State: model.StudyRunning},
		archive:   []byte("not a zip"),
	}
	runner := &scriptRunner{}
	a := NewAgent(orch, Options{
		NodeID:        "w1",
		DataDir:       t.TempDir(),
		PollInterval:  time.Hour,
		HeartbeatTick: 10 * time.Millisecond,
		Runner:        runner,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	// 认领后代码包解压失败，下一次轮询要等一个 PollInterval
	assert.EqualValues(t, 1, orch.requests.Load())
	assert.Zero(t, runner.started.Load())
}

func TestAgentLedgerTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	orch := &fakeOrchestrator{
		ledgerURL: slow.URL,
		study:     &model.Study{Name: "slow", ObjectiveFile: "objective.py", State: model.StudyRunning},
		archive:   bundleZip(t),
	}
	core, logs := observer.New(zap.ErrorLevel)
	a := NewAgent(orch, Options{
		NodeID:        "w1",
		DataDir:       t.TempDir(),
		PollInterval:  time.Hour,
		HeartbeatTick: 10 * time.Millisecond,
		Runner:        &scriptRunner{},
		LedgerTimeout: 20 * time.Millisecond,
	}, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// 默认 30s 超时下这里等不到
	require.Eventually(t, func() bool {
		return logs.FilterMessage("trial execution failed").Len() > 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateIdle, a.State())

	cancel()
	require.NoError(t, <-done)
}

func TestAgentRegistrationFailureIsFatal(t *testing.T) {
	orch := &fakeOrchestrator{registerErr: errdefs.Transport(errors.New("connection refused"), "register")}
	a := newTestAgent(t, orch, &scriptRunner{})

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Equal(t, StateTornDown, a.State())
	assert.Zero(t, orch.deregistered)
	assert.Zero(t, orch.requests.Load())
}

func TestNewNodeID(t *testing.T) {
	a, b := NewNodeID("host"), NewNodeID("host")
	assert.True(t, strings.HasPrefix(a, "host-"))
	assert.Len(t, a, len("host-")+4)
	assert.NotEqual(t, a, b)

	caps := LocalCapabilities(zap.NewNop())
	assert.Positive(t, caps.CPUCount)
	assert.NotEmpty(t, caps.Hostname)
}
