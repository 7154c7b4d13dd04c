package optimize_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
	"kodu/pkg/optimize"
)

// 引擎经 Remote 访问一个真实的 /ledger 服务
func newRemoteStudy(t *testing.T, name string, dirs ...model.Direction) (*ledger.Memory, *optimize.Study) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := ledger.NewMemory()
	_, err := mem.CreateStudy(context.Background(), name, dirs)
	require.NoError(t, err)

	r := gin.New()
	ledger.NewServer(mem).Register(r.Group("/ledger"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	study, err := optimize.LoadStudy(context.Background(), name, ledger.NewRemote(ts.URL+"/ledger"),
		optimize.WithSampler(optimize.NewRandomSampler(7)))
	require.NoError(t, err)
	return mem, study
}

func TestOptimizeRecordsParamsAndValues(t *testing.T) {
	ctx := context.Background()
	mem, study := newRemoteStudy(t, "quadratic", model.Minimize)

	objective := func(ctx context.Context, tr *optimize.Trial) ([]float64, error) {
		x, err := tr.SuggestFloat(ctx, "x", -10, 10)
		if err != nil {
			return nil, err
		}
		again, err := tr.SuggestFloat(ctx, "x", -10, 10)
		if err != nil {
			return nil, err
		}
		if again != x {
			return nil, errors.New("re-suggest returned a different value")
		}
		n, err := tr.SuggestInt(ctx, "n", 1, 5)
		if err != nil {
			return nil, err
		}
		return []float64{x*x + float64(n)}, nil
	}
	require.NoError(t, study.Optimize(ctx, objective, 3))

	trials, err := mem.Trials(ctx, study.ID())
	require.NoError(t, err)
	require.Len(t, trials, 3)
	for i, tr := range trials {
		assert.Equal(t, i, tr.Number)
		assert.Equal(t, model.TrialComplete, tr.State)
		require.Len(t, tr.Values, 1)
		x := tr.Params["x"].Value
		n := tr.Params["n"].Value
		assert.InDelta(t, x*x+n, tr.Values[0], 1e-9)
	}

	best, err := study.BestTrial(ctx)
	require.NoError(t, err)
	for _, tr := range trials {
		assert.LessOrEqual(t, best.Values[0], tr.Values[0])
	}
}

func TestObjectiveOutcomesMapToStates(t *testing.T) {
	ctx := context.Background()
	mem, study := newRemoteStudy(t, "outcomes", model.Minimize, model.Maximize)

	boom := errors.New("boom")
	cases := []struct {
		name  string
		obj   optimize.Objective
		state model.TrialState
		err   bool
	}{
		{"complete", func(context.Context, *optimize.Trial) ([]float64, error) { return []float64{1, 2}, nil }, model.TrialComplete, false},
		{"pruned", func(context.Context, *optimize.Trial) ([]float64, error) { return nil, optimize.ErrPruned }, model.TrialPruned, false},
		{"failed", func(context.Context, *optimize.Trial) ([]float64, error) { return nil, boom }, model.TrialFail, true},
		{"wrong arity", func(context.Context, *optimize.Trial) ([]float64, error) { return []float64{1}, nil }, model.TrialFail, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ft, err := study.RunTrial(ctx, c.obj)
			require.NotNil(t, ft)
			if c.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, c.state, ft.State)

			stored, err := mem.Trial(ctx, ft.ID)
			require.NoError(t, err)
			assert.Equal(t, c.state, stored.State)
		})
	}
}

func TestOptimizeKeepsGoingAfterObjectiveFailure(t *testing.T) {
	ctx := context.Background()
	mem, study := newRemoteStudy(t, "flaky", model.Minimize)

	calls := 0
	err := study.Optimize(ctx, func(context.Context, *optimize.Trial) ([]float64, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("first run explodes")
		}
		return []float64{float64(calls)}, nil
	}, 3)
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	done, err := study.Trials(ctx, model.TrialComplete)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	all, err := mem.Trials(ctx, study.ID())
	require.NoError(t, err)
	assert.Equal(t, model.TrialFail, all[0].State)
}

func TestDeclinedTerminalWriteKeepsFirstWriter(t *testing.T) {
	ctx := context.Background()
	mem, study := newRemoteStudy(t, "race", model.Minimize)

	// Objective 运行期间另一个写者先把 Trial 标记为 fail
	ft, err := study.RunTrial(ctx, func(ctx context.Context, tr *optimize.Trial) ([]float64, error) {
		applied, err := mem.SetStateValues(ctx, tr.ID(), model.TrialFail, nil)
		require.NoError(t, err)
		require.True(t, applied)
		return []float64{0.1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.TrialFail, ft.State)
	assert.Empty(t, ft.Values)
}

func TestLoadStudyMissing(t *testing.T) {
	_, study := newRemoteStudy(t, "present", model.Minimize)
	assert.Equal(t, "present", study.Name())

	mem := ledger.NewMemory()
	r := gin.New()
	ledger.NewServer(mem).Register(r.Group("/ledger"))
	ts := httptest.NewServer(r)
	defer ts.Close()

	_, err := optimize.LoadStudy(context.Background(), "absent", ledger.NewRemote(ts.URL+"/ledger"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestReportIsUnsupportedRemotely(t *testing.T) {
	ctx := context.Background()
	_, study := newRemoteStudy(t, "report", model.Minimize)

	_, err := study.RunTrial(ctx, func(ctx context.Context, tr *optimize.Trial) ([]float64, error) {
		err := tr.Report(ctx, 1, 0.5)
		assert.True(t, errdefs.IsUnsupported(err))
		return []float64{0.5}, nil
	})
	require.NoError(t, err)
}

func TestSuggestCategoricalReturnsChoice(t *testing.T) {
	ctx := context.Background()
	mem, study := newRemoteStudy(t, "categorical", model.Maximize)

	var picked any
	_, err := study.RunTrial(ctx, func(ctx context.Context, tr *optimize.Trial) ([]float64, error) {
		v, err := tr.SuggestCategorical(ctx, "opt", []any{"adam", "sgd", "rmsprop"})
		if err != nil {
			return nil, err
		}
		picked = v
		return []float64{1}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, []any{"adam", "sgd", "rmsprop"}, picked)

	trials, err := mem.Trials(ctx, study.ID())
	require.NoError(t, err)
	dist, err := model.DistributionFromJSON(trials[0].Params["opt"].Distribution)
	require.NoError(t, err)
	assert.Equal(t, picked, dist.ToExternal(trials[0].Params["opt"].Value))
}
