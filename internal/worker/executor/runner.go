// Package executor 在子进程或容器里运行用户的 Objective。
//
// 子进程通过 stdio 使用按行分隔的 JSON 协议和 Worker 通信：
// stdout 发请求 (suggest / log / result / prune / fail)，stdin 接收 suggest 的回复，
// stderr 原样作为日志转发。
package executor

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"kodu/pkg/model"
)

// 传给子进程的环境变量
const (
	EnvStudy             = "KODU_STUDY"
	EnvObjectiveFile     = "KODU_OBJECTIVE_FILE"
	EnvObjectiveFunction = "KODU_OBJECTIVE_FUNCTION"
	EnvTrialID           = "KODU_TRIAL_ID"
	EnvTrialNumber       = "KODU_TRIAL_NUMBER"
)

// Spec 一次 Trial 执行需要的全部信息
type Spec struct {
	Study       model.Study
	BundleDir   string // 解压后的代码目录
	TrialID     int64
	TrialNumber int
}

// Env KEY=VALUE 形式
func (s Spec) Env() []string {
	return []string{
		EnvStudy + "=" + s.Study.Name,
		EnvObjectiveFile + "=" + s.Study.ObjectiveFile,
		EnvObjectiveFunction + "=" + s.Study.ObjectiveFunction,
		EnvTrialID + "=" + strconv.FormatInt(s.TrialID, 10),
		EnvTrialNumber + "=" + strconv.Itoa(s.TrialNumber),
	}
}

// Process 一个已启动的子进程
type Process interface {
	// Stdin 写入回复，Close 表示不再有回复
	Stdin() io.WriteCloser
	// Stdout 协议消息，子进程退出后返回 EOF
	Stdout() io.Reader
	// Wait 必须在 Stdout 读完之后调用，返回非零退出码等错误
	Wait() error
}

// Runner 启动子进程的方式 (本地进程 / docker)
type Runner interface {
	Start(ctx context.Context, spec Spec, stderr io.Writer) (Process, error)
}

// ExitError 子进程非零退出
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("objective exited with code %d", e.Code) }
