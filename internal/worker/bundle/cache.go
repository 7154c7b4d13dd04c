// Package bundle 在 Worker 本地缓存 Study 的代码包。
// 只检查目录是否存在，不做版本校验也不淘汰。
package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// Downloader 从 Master 拉取 zip
type Downloader interface {
	DownloadCodebase(ctx context.Context, name string, w io.Writer) error
}

type Cache struct {
	root   string
	dl     Downloader
	logger *zap.Logger

	mu sync.Mutex
}

func NewCache(dataDir string, dl Downloader, logger *zap.Logger) *Cache {
	return &Cache{
		root:   filepath.Join(dataDir, "studies"),
		dl:     dl,
		logger: logger,
	}
}

// Dir 返回 Study 代码的本地目录 (不保证存在)
func (c *Cache) Dir(name string) string {
	return filepath.Join(c.root, name)
}

// Ensure 保证代码包已解压到本地，返回目录
func (c *Cache) Ensure(ctx context.Context, name string) (string, error) {
	if err := model.ValidateStudyName(name); err != nil {
		return "", errdefs.Invalidf("%v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.Dir(name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("create bundle cache: %w", err)
	}

	// 1. 下载到临时文件
	archive, err := os.CreateTemp(c.root, ".download-*.zip")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(archive.Name())
	if err := c.dl.DownloadCodebase(ctx, name, archive); err != nil {
		archive.Close()
		return "", err
	}
	if err := archive.Close(); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}

	// 2. 解压到临时目录
	staging, err := os.MkdirTemp(c.root, ".extract-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)
	if err := extract(archive.Name(), staging); err != nil {
		return "", fmt.Errorf("extract bundle of %s: %w", name, err)
	}

	// 3. 原子换入
	if err := os.Rename(staging, dir); err != nil {
		return "", fmt.Errorf("install bundle of %s: %w", name, err)
	}
	c.logger.Info("study bundle cached", zap.String("study", name), zap.String("dir", dir))
	return dir, nil
}

func extract(archive, dst string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dst, f.Name)
		// 拒绝跳出目标目录的条目
		if target != dst && !strings.HasPrefix(target, dst+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
