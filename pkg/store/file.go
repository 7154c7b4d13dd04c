package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

const (
	studiesFile = "studies.json"
	lockSuffix  = ".lock"
)

// FileStore 把所有 Study 存在一个 JSON 文档里 (以 name 为 key)，
// 旁边的 .lock 文件是跨进程的排他锁，进程内再加一把 mutex。
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

// NewFileStore dataDir 不存在时自动创建
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, studiesFile)
	return &FileStore{
		path: path,
		lock: flock.New(path + lockSuffix),
		now:  time.Now,
	}, nil
}

func (f *FileStore) Create(ctx context.Context, study model.Study) (model.Study, error) {
	var created model.Study
	err := f.update(ctx, func(studies map[string]model.Study) error {
		if _, exists := studies[study.Name]; exists {
			return errdefs.Conflictf("study %s already exists", study.Name)
		}
		created = study.Clone()
		if created.State == "" {
			created.State = model.StudyCreated
		}
		if created.CreatedAt.IsZero() {
			created.CreatedAt = f.now().UTC()
		}
		studies[study.Name] = created
		return nil
	})
	if err != nil {
		return model.Study{}, err
	}
	return created.Clone(), nil
}

func (f *FileStore) GetByName(ctx context.Context, name string) (model.Study, error) {
	studies, err := f.read(ctx)
	if err != nil {
		return model.Study{}, err
	}
	s, ok := studies[name]
	if !ok {
		return model.Study{}, errdefs.NotFoundf("study %s not found", name)
	}
	return s, nil
}

func (f *FileStore) GetAll(ctx context.Context) ([]model.Study, error) {
	studies, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	return sortStudies(studies), nil
}

func (f *FileStore) Activate(ctx context.Context, name string) (model.Study, error) {
	return f.setState(ctx, name, model.StudyRunning)
}

func (f *FileStore) Pause(ctx context.Context, name string) (model.Study, error) {
	return f.setState(ctx, name, model.StudyPaused)
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) setState(ctx context.Context, name string, state model.StudyState) (model.Study, error) {
	var updated model.Study
	err := f.update(ctx, func(studies map[string]model.Study) error {
		s, ok := studies[name]
		if !ok {
			return errdefs.NotFoundf("study %s not found", name)
		}
		s.State = state
		studies[name] = s
		updated = s
		return nil
	})
	if err != nil {
		return model.Study{}, err
	}
	return updated.Clone(), nil
}

// read 只读也要拿锁，避免和写者交错
func (f *FileStore) read(ctx context.Context) (map[string]model.Study, error) {
	var out map[string]model.Study
	err := f.withLock(ctx, func() error {
		var err error
		out, err = f.load()
		return err
	})
	return out, err
}

// update 加锁 -> 读 -> 改 -> 写回。mutate 返回错误时不写盘
func (f *FileStore) update(ctx context.Context, mutate func(map[string]model.Study) error) error {
	return f.withLock(ctx, func() error {
		studies, err := f.load()
		if err != nil {
			return err
		}
		if err := mutate(studies); err != nil {
			return err
		}
		return f.save(studies)
	})
}

func (f *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	defer f.lock.Unlock()

	return fn()
}

func (f *FileStore) load() (map[string]model.Study, error) {
	studies := make(map[string]model.Study)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return studies, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return studies, nil
	}
	if err := json.Unmarshal(data, &studies); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return studies, nil
}

// save 先写临时文件再 rename，读者看不到写了一半的文档
func (f *FileStore) save(studies map[string]model.Study) error {
	data, err := json.MarshalIndent(studies, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), studiesFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func sortStudies(studies map[string]model.Study) []model.Study {
	out := make([]model.Study, 0, len(studies))
	for _, s := range studies {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
