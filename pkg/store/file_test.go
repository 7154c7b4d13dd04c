package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

func newStudy(name string) model.Study {
	return model.Study{
		Name:              name,
		Direction:         []model.Direction{model.Minimize},
		ObjectiveFile:     "objective.py",
		ObjectiveFunction: "objective",
	}
}

func TestFileStoreCreateConflict(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	created, err := s.Create(ctx, newStudy("s1"))
	require.NoError(t, err)
	assert.Equal(t, model.StudyCreated, created.State)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.Create(ctx, newStudy("s1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreConcurrentCreatorsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// 多个实例共享同一个文件，模拟多个 Master 进程
	const n = 8
	stores := make([]*FileStore, n)
	for i := range stores {
		s, err := NewFileStore(dir)
		require.NoError(t, err)
		stores[i] = s
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *FileStore) {
			defer wg.Done()
			if _, err := s.Create(ctx, newStudy("shared")); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, errdefs.IsConflict(err))
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	all, err := stores[0].GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreActivatePause(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Activate(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.Pause(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.Create(ctx, newStudy("s1"))
	require.NoError(t, err)

	st, err := s.Activate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunning, st.State)

	st, err = s.Activate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunning, st.State)

	st, err = s.Pause(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StudyPaused, st.State)

	got, err := s.GetByName(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StudyPaused, got.State)
	assert.Equal(t, []model.Direction{model.Minimize}, got.Direction)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = a.Create(ctx, newStudy("s1"))
	require.NoError(t, err)
	_, err = a.Create(ctx, newStudy("s2"))
	require.NoError(t, err)

	b, err := NewFileStore(dir)
	require.NoError(t, err)
	all, err := b.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].Name)
	assert.Equal(t, "s2", all[1].Name)

	_, err = os.Stat(filepath.Join(dir, "studies.json.lock"))
	assert.NoError(t, err, "lock file should live next to the data file")
}

func TestFileStoreGetByNameNotFound(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetByName(context.Background(), "nope")
	assert.True(t, errdefs.IsNotFound(err))
}
