// Package study 把 Study 元数据 (store) 和 Trial 账本 (ledger) 组合成 Master 的 Study 服务
package study

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
	"kodu/pkg/store"
)

const codebaseFile = "data.zip"

type Service struct {
	store   store.Store
	ledger  ledger.Ledger
	dataDir string
	logger  *zap.Logger
}

func NewService(st store.Store, l ledger.Ledger, dataDir string, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		ledger:  l,
		dataDir: dataDir,
		logger:  logger,
	}
}

// Create 先写 store 再在 ledger 中登记。
// ledger 登记按名字幂等，失败时 Activate 会补上。
func (s *Service) Create(ctx context.Context, st model.Study) (model.Study, error) {
	if err := st.Validate(); err != nil {
		return model.Study{}, errdefs.Invalidf("%v", err)
	}
	st.State = model.StudyCreated
	created, err := s.store.Create(ctx, st)
	if err != nil {
		return model.Study{}, err
	}
	if _, err := s.ledger.CreateStudy(ctx, created.Name, created.Direction); err != nil {
		return model.Study{}, fmt.Errorf("register study %s in ledger: %w", created.Name, err)
	}
	s.logger.Info("study created",
		zap.String("study", created.Name),
		zap.Int("objectives", len(created.Direction)))
	return created, nil
}

func (s *Service) Get(ctx context.Context, name string) (model.Study, error) {
	return s.store.GetByName(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]model.Study, error) {
	return s.store.GetAll(ctx)
}

func (s *Service) Activate(ctx context.Context, name string) (model.Study, error) {
	st, err := s.store.GetByName(ctx, name)
	if err != nil {
		return model.Study{}, err
	}
	// 补齐 Create 时可能失败的 ledger 登记
	if _, err := s.ledger.CreateStudy(ctx, st.Name, st.Direction); err != nil {
		return model.Study{}, fmt.Errorf("register study %s in ledger: %w", st.Name, err)
	}
	st, err = s.store.Activate(ctx, name)
	if err != nil {
		return model.Study{}, err
	}
	s.logger.Info("study activated", zap.String("study", name))
	return st, nil
}

func (s *Service) Pause(ctx context.Context, name string) (model.Study, error) {
	st, err := s.store.Pause(ctx, name)
	if err != nil {
		return model.Study{}, err
	}
	s.logger.Info("study paused", zap.String("study", name))
	return st, nil
}

func (s *Service) codebaseDir(name string) string {
	return filepath.Join(s.dataDir, "studies", name)
}

// SaveCodebase 保存上传的 zip。先写临时文件并校验能被解析，再 rename 覆盖。
func (s *Service) SaveCodebase(ctx context.Context, name string, r io.Reader) (int64, error) {
	st, err := s.store.GetByName(ctx, name)
	if err != nil {
		return 0, err
	}
	dir := s.codebaseDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create codebase dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, codebaseFile+".*")
	if err != nil {
		return 0, fmt.Errorf("create codebase temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write codebase: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("write codebase: %w", err)
	}

	if err := checkArchive(tmp.Name(), st.ObjectiveFile); err != nil {
		return 0, errdefs.Invalidf("codebase for %s: %v", name, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, codebaseFile)); err != nil {
		return 0, fmt.Errorf("install codebase: %w", err)
	}
	s.logger.Info("codebase uploaded", zap.String("study", name), zap.Int64("bytes", n))
	return n, nil
}

// checkArchive zip 能解析且包含 Objective 文件
func checkArchive(path, objectiveFile string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}
	defer zr.Close()

	want := filepath.ToSlash(filepath.Clean(objectiveFile))
	for _, f := range zr.File {
		if strings.TrimPrefix(f.Name, "./") == want {
			return nil
		}
	}
	return fmt.Errorf("archive does not contain objective file %s", objectiveFile)
}

// CodebasePath 返回 zip 的本地路径，未上传时返回 NotFound
func (s *Service) CodebasePath(ctx context.Context, name string) (string, error) {
	if _, err := s.store.GetByName(ctx, name); err != nil {
		return "", err
	}
	path := filepath.Join(s.codebaseDir(name), codebaseFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.NotFoundf("study %s has no codebase", name)
		}
		return "", err
	}
	return path, nil
}
