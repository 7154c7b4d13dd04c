package study

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
	"kodu/pkg/store"
)

func newService(t *testing.T) (*Service, *ledger.Memory) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	mem := ledger.NewMemory()
	return NewService(st, mem, dir, zap.NewNop()), mem
}

func sample(name string) model.Study {
	return model.Study{
		Name:              name,
		Direction:         []model.Direction{model.Minimize},
		ObjectiveFile:     "objective.py",
		ObjectiveFunction: "objective",
	}
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCreateRegistersInLedger(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	created, err := svc.Create(ctx, sample("s1"))
	require.NoError(t, err)
	assert.Equal(t, model.StudyCreated, created.State)

	id, err := mem.StudyID(ctx, "s1")
	require.NoError(t, err)
	dirs, err := mem.Directions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []model.Direction{model.Minimize}, dirs)

	_, err = svc.Create(ctx, sample("s1"))
	assert.True(t, errdefs.IsConflict(err))

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)

	bad := sample("")
	_, err := svc.Create(context.Background(), bad)
	assert.True(t, errdefs.IsInvalid(err))

	bad = sample("s")
	bad.Direction = []model.Direction{"sideways"}
	_, err = svc.Create(context.Background(), bad)
	assert.True(t, errdefs.IsInvalid(err))
}

func TestCreateRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	for _, name := range []string{"team/b", "..", ".", ".hidden", `a\b`, "a b", "../etc"} {
		_, err := svc.Create(ctx, sample(name))
		assert.True(t, errdefs.IsInvalid(err), name)

		_, err = mem.StudyID(ctx, name)
		assert.True(t, errdefs.IsNotFound(err), name)
	}

	_, err := svc.Create(ctx, sample("b"))
	require.NoError(t, err)
	_, err = svc.CodebasePath(ctx, "team/b")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = svc.Create(ctx, sample("exp-1.v2_final"))
	assert.NoError(t, err)
}

func TestActivateHealsMissingLedgerStudy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)

	// 只写了 store，ledger 中还没有
	_, err = st.Create(ctx, sample("orphan"))
	require.NoError(t, err)

	mem := ledger.NewMemory()
	svc := NewService(st, mem, dir, zap.NewNop())
	activated, err := svc.Activate(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunning, activated.State)

	_, err = mem.StudyID(ctx, "orphan")
	assert.NoError(t, err)

	paused, err := svc.Pause(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StudyPaused, paused.State)

	_, err = svc.Activate(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCodebaseUpload(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Create(ctx, sample("s1"))
	require.NoError(t, err)

	_, err = svc.CodebasePath(ctx, "s1")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = svc.SaveCodebase(ctx, "s1", strings.NewReader("not a zip"))
	assert.True(t, errdefs.IsInvalid(err))

	archive := zipOf(t, map[string]string{"objective.py": "print('hi')"})
	n, err := svc.SaveCodebase(ctx, "s1", bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, int64(len(archive)), n)

	path, err := svc.CodebasePath(ctx, "s1")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, archive, got)

	_, err = svc.SaveCodebase(ctx, "missing", bytes.NewReader(archive))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCodebaseMustContainObjective(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	st := sample("nested")
	st.ObjectiveFile = "src/train.py"
	_, err := svc.Create(ctx, st)
	require.NoError(t, err)

	_, err = svc.SaveCodebase(ctx, "nested", bytes.NewReader(zipOf(t, map[string]string{"train.py": "x"})))
	require.True(t, errdefs.IsInvalid(err))
	assert.Contains(t, err.Error(), "src/train.py")
	_, err = svc.CodebasePath(ctx, "nested")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = svc.SaveCodebase(ctx, "nested", bytes.NewReader(zipOf(t, map[string]string{"src/train.py": "x"})))
	require.NoError(t, err)
	_, err = svc.CodebasePath(ctx, "nested")
	assert.NoError(t, err)
}
