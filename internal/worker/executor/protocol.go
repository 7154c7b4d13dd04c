package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"kodu/pkg/model"
	"kodu/pkg/optimize"
)

// 子进程 -> Worker 的操作
const (
	OpSuggest = "suggest"
	OpLog     = "log"
	OpResult  = "result"
	OpPrune   = "prune"
	OpFail    = "fail"
)

// maxLineSize 单条协议消息的上限
const maxLineSize = 1 << 20

// Message 子进程发来的一行
type Message struct {
	Op           string          `json:"op"`
	Name         string          `json:"name,omitempty"`
	Distribution json.RawMessage `json:"distribution,omitempty"`
	Message      string          `json:"message,omitempty"`
	Values       []float64       `json:"values,omitempty"`
}

// Reply suggest 的回复，Value 和 Error 二选一
type Reply struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// LogSink 接收子进程的日志行
type LogSink interface {
	Log(line string)
}

// Objective 把一次子进程执行包装成引擎的 Objective
func Objective(runner Runner, study model.Study, bundleDir string, sink LogSink, logger *zap.Logger) optimize.Objective {
	return func(ctx context.Context, trial *optimize.Trial) ([]float64, error) {
		spec := Spec{
			Study:       study,
			BundleDir:   bundleDir,
			TrialID:     trial.ID(),
			TrialNumber: trial.Number(),
		}
		stderr := newLineWriter(sink)
		defer stderr.Flush()

		proc, err := runner.Start(ctx, spec, stderr)
		if err != nil {
			return nil, err
		}
		s := &session{trial: trial, sink: sink, stdin: proc.Stdin(), logger: logger.With(zap.Int64("trial", trial.ID()))}
		readErr := s.serve(ctx, proc.Stdout())
		proc.Stdin().Close()
		if readErr != nil {
			// 子进程可能还在写，读完才能 Wait
			_, _ = io.Copy(io.Discard, proc.Stdout())
		}
		waitErr := proc.Wait()
		return s.outcome(readErr, waitErr)
	}
}

// session 一次执行的协议状态
type session struct {
	trial  *optimize.Trial
	sink   LogSink
	stdin  io.Writer
	logger *zap.Logger

	storageErr error
	result     []float64
	gotResult  bool
	pruned     bool
	failMsg    string
}

func (s *session) serve(ctx context.Context, stdout io.Reader) error {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Op == "" {
			// 非协议输出当作普通日志
			s.sink.Log(string(line))
			continue
		}
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *session) handle(ctx context.Context, msg Message) error {
	switch msg.Op {
	case OpSuggest:
		v, err := s.suggest(ctx, msg)
		if err != nil {
			var se *optimize.StorageError
			if errors.As(err, &se) && s.storageErr == nil {
				s.storageErr = err
			}
			return s.reply(Reply{Error: err.Error()})
		}
		return s.reply(Reply{Value: v})
	case OpLog:
		s.sink.Log(msg.Message)
	case OpResult:
		s.result, s.gotResult = msg.Values, true
	case OpPrune:
		s.pruned = true
	case OpFail:
		s.failMsg = msg.Message
		if s.failMsg == "" {
			s.failMsg = "objective reported failure"
		}
	default:
		s.logger.Warn("unknown protocol op", zap.String("op", msg.Op))
	}
	return nil
}

func (s *session) suggest(ctx context.Context, msg Message) (any, error) {
	if msg.Name == "" {
		return nil, fmt.Errorf("suggest without a param name")
	}
	desc := string(msg.Distribution)
	// 描述符既可以是对象也可以是 JSON 字符串
	if unq, err := strconv.Unquote(desc); err == nil {
		desc = unq
	}
	dist, err := model.DistributionFromJSON(desc)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", msg.Name, err)
	}
	return s.trial.Suggest(ctx, msg.Name, dist)
}

func (s *session) reply(r Reply) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("reply to objective: %w", err)
	}
	return nil
}

// outcome 决定 Trial 结果，优先级: 存储错误 > 剪枝 > 主动失败 > 退出错误 > 结果
func (s *session) outcome(readErr, waitErr error) ([]float64, error) {
	switch {
	case s.storageErr != nil:
		return nil, s.storageErr
	case s.pruned:
		return nil, optimize.ErrPruned
	case s.failMsg != "":
		return nil, errors.New(s.failMsg)
	case readErr != nil:
		return nil, fmt.Errorf("read objective output: %w", readErr)
	case waitErr != nil:
		return nil, waitErr
	case !s.gotResult:
		return nil, errors.New("objective exited without a result")
	}
	return s.result, nil
}

// lineWriter 把 stderr 按行切分交给 LogSink
type lineWriter struct {
	mu   sync.Mutex
	sink LogSink
	buf  []byte
}

func newLineWriter(sink LogSink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.sink.Log(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush 输出最后一行不完整的内容
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.sink.Log(string(w.buf))
		w.buf = nil
	}
}
