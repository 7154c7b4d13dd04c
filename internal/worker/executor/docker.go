package executor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// 容器内 Bundle 的挂载点
const containerWorkdir = "/study"

// DockerRunner 每个 Trial 一个容器，Bundle 只读挂载到 /study
type DockerRunner struct {
	cli         *client.Client
	image       string
	interpreter string
	logger      *zap.Logger
}

// NewDockerRunner 自动从环境变量或默认路径连接本地 Docker
func NewDockerRunner(image, interpreter string, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerRunner{cli: cli, image: image, interpreter: interpreter, logger: logger}, nil
}

func (r *DockerRunner) Close() error { return r.cli.Close() }

type containerProcess struct {
	ctx    context.Context
	cli    *client.Client
	id     string
	conn   types.HijackedResponse
	stdout *io.PipeReader
	copied chan error
	stop   func() bool
	logger *zap.Logger
}

func (p *containerProcess) Stdin() io.WriteCloser { return hijackedStdin{p.conn} }
func (p *containerProcess) Stdout() io.Reader     { return p.stdout }

// hijackedStdin Close 只关闭写方向，输出还要继续读
type hijackedStdin struct {
	conn types.HijackedResponse
}

func (h hijackedStdin) Write(b []byte) (int, error) { return h.conn.Conn.Write(b) }
func (h hijackedStdin) Close() error                { return h.conn.CloseWrite() }

func (r *DockerRunner) Start(ctx context.Context, spec Spec, stderr io.Writer) (Process, error) {
	src, err := filepath.Abs(spec.BundleDir)
	if err != nil {
		return nil, err
	}

	// 1. 创建容器 (Create Container)
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        r.image,
		Cmd:          []string{r.interpreter, spec.Study.ObjectiveFile},
		Env:          spec.Env(),
		WorkingDir:   containerWorkdir,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   src,
			Target:   containerWorkdir,
			ReadOnly: true,
		}},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	logger := r.logger.With(zap.String("container", id[:12]))

	// 2. 先 attach 再启动，避免丢掉最早的输出
	conn, err := r.cli.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(id, logger)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	// 3. 启动容器 (Start Container)
	if err := r.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		conn.Close()
		r.remove(id, logger)
		return nil, fmt.Errorf("start container: %w", err)
	}
	logger.Debug("container started", zap.String("image", r.image))

	// stdcopy 把 docker 的多路复用流拆成 stdout / stderr
	pr, pw := io.Pipe()
	p := &containerProcess{ctx: ctx, cli: r.cli, id: id, conn: conn, stdout: pr, copied: make(chan error, 1), logger: logger}
	// Trial 被取消时杀掉容器，stdout 随之结束
	p.stop = context.AfterFunc(ctx, func() {
		if err := r.cli.ContainerKill(context.Background(), id, "KILL"); err != nil {
			logger.Debug("kill container", zap.Error(err))
		}
	})
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, conn.Reader)
		pw.CloseWithError(err)
		p.copied <- err
	}()
	return p, nil
}

// Wait 等容器退出，读取退出码，然后删除容器
func (p *containerProcess) Wait() error {
	defer p.conn.Close()
	defer removeContainer(p.cli, p.id, p.logger)
	defer p.stop()

	statusCh, errCh := p.cli.ContainerWait(context.WithoutCancel(p.ctx), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait container: %w", err)
		}
	case status := <-statusCh:
		<-p.copied
		if status.Error != nil {
			return fmt.Errorf("container: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return &ExitError{Code: int(status.StatusCode)}
		}
	}
	return nil
}

func (r *DockerRunner) remove(id string, logger *zap.Logger) {
	removeContainer(r.cli, id, logger)
}

// removeContainer 使用独立的 context，Trial 被取消时也要清理
func removeContainer(cli *client.Client, id string, logger *zap.Logger) {
	err := cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		logger.Warn("remove container failed", zap.Error(err))
	}
}
