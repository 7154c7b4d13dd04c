package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// 需要真实的 etcd: KODU_ETCD_ENDPOINTS=localhost:2379 go test ./pkg/store
func newEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := os.Getenv("KODU_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("KODU_ETCD_ENDPOINTS not set")
	}
	s, err := NewEtcdStore(strings.Split(endpoints, ","), 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEtcdStoreLifecycle(t *testing.T) {
	s := newEtcdStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() { s.client.Delete(context.Background(), StudyKeyPrefix+name) })

	_, err := s.Create(ctx, newStudy(name))
	require.NoError(t, err)
	_, err = s.Create(ctx, newStudy(name))
	assert.True(t, errdefs.IsConflict(err))

	st, err := s.Activate(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunning, st.State)

	st, err = s.Pause(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.StudyPaused, st.State)

	_, err = s.GetByName(ctx, name+"-missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestEtcdStoreConcurrentCreate(t *testing.T) {
	s := newEtcdStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("race-%d", time.Now().UnixNano())
	t.Cleanup(func() { s.client.Delete(context.Background(), StudyKeyPrefix+name) })

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, newStudy(name)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
