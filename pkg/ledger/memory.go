package ledger

import (
	"context"
	"sync"
	"time"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

var _ Ledger = (*Memory)(nil)

type memStudy struct {
	id         int64
	name       string
	directions []model.Direction
	trialIDs   []int64
}

// Memory 进程内 Ledger，一把 mutex 线性化所有操作。
// 进程重启后计数器归零，只适合测试和单机试用。
type Memory struct {
	mu sync.Mutex

	lastStudyID int64
	lastTrialID int64
	studies     map[int64]*memStudy
	byName      map[string]int64
	trials      map[int64]*model.Trial

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		studies: make(map[int64]*memStudy),
		byName:  make(map[string]int64),
		trials:  make(map[int64]*model.Trial),
		now:     time.Now,
	}
}

func (m *Memory) CreateStudy(_ context.Context, name string, directions []model.Direction) (int64, error) {
	if err := validateDirections(name, directions); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byName[name]; ok {
		return id, nil
	}
	m.lastStudyID++
	id := m.lastStudyID
	m.studies[id] = &memStudy{
		id:         id,
		name:       name,
		directions: append([]model.Direction(nil), directions...),
	}
	m.byName[name] = id
	return id, nil
}

func (m *Memory) StudyID(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return 0, errdefs.NotFoundf("study %s not found", name)
	}
	return id, nil
}

func (m *Memory) StudyName(_ context.Context, studyID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.studies[studyID]
	if !ok {
		return "", errdefs.NotFoundf("study %d not found", studyID)
	}
	return s.name, nil
}

func (m *Memory) Directions(_ context.Context, studyID int64) ([]model.Direction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.studies[studyID]
	if !ok {
		return nil, errdefs.NotFoundf("study %d not found", studyID)
	}
	return append([]model.Direction(nil), s.directions...), nil
}

func (m *Memory) CreateTrial(_ context.Context, studyID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.studies[studyID]
	if !ok {
		return 0, errdefs.NotFoundf("study %d not found", studyID)
	}
	m.lastTrialID++
	id := m.lastTrialID
	start := m.now().UTC()
	m.trials[id] = &model.Trial{
		ID:            id,
		Number:        len(s.trialIDs),
		StudyID:       studyID,
		State:         model.TrialRunning,
		Params:        make(map[string]model.TrialParam),
		DatetimeStart: &start,
	}
	s.trialIDs = append(s.trialIDs, id)
	return id, nil
}

func (m *Memory) SetParam(_ context.Context, trialID int64, name string, value float64, distribution string) error {
	if err := validateParam(name, value, distribution); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trials[trialID]
	if !ok {
		return errdefs.NotFoundf("trial %d not found", trialID)
	}
	if t.State.IsFinished() {
		return errdefs.Conflictf("trial %d is already %s", trialID, t.State)
	}
	t.Params[name] = model.TrialParam{Value: value, Distribution: distribution}
	return nil
}

func (m *Memory) SetStateValues(_ context.Context, trialID int64, state model.TrialState, values []float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trials[trialID]
	if !ok {
		return false, errdefs.NotFoundf("trial %d not found", trialID)
	}
	apply, err := checkTransition(t.State, state, values, len(m.studies[t.StudyID].directions))
	if err != nil || !apply {
		return false, err
	}

	t.State = state
	if state.IsFinished() {
		done := m.now().UTC()
		t.DatetimeComplete = &done
		if len(values) > 0 {
			t.Values = append([]float64(nil), values...)
		}
	}
	return true, nil
}

func (m *Memory) Trial(_ context.Context, trialID int64) (model.Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trials[trialID]
	if !ok {
		return model.Trial{}, errdefs.NotFoundf("trial %d not found", trialID)
	}
	return t.Clone(), nil
}

func (m *Memory) Trials(_ context.Context, studyID int64) ([]model.Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.studies[studyID]
	if !ok {
		return nil, errdefs.NotFoundf("study %d not found", studyID)
	}
	out := make([]model.Trial, 0, len(s.trialIDs))
	for _, id := range s.trialIDs {
		out = append(out, m.trials[id].Clone())
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
