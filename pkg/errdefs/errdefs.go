// Package errdefs 定义系统内统一的错误分类 (NotFound / Conflict / Transport ...)
// store、registry、ledger 都返回带 Kind 的 *Error，HTTP 层和客户端据此互相映射状态码。
package errdefs

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindTransport // 网络 / 超时，结果未知
	KindUnsupported
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport failure"
	case KindUnsupported:
		return "unsupported"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error 带分类的错误
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error    { return newf(KindNotFound, format, args...) }
func Conflictf(format string, args ...any) error    { return newf(KindConflict, format, args...) }
func Unsupportedf(format string, args ...any) error { return newf(KindUnsupported, format, args...) }
func Invalidf(format string, args ...any) error     { return newf(KindInvalidArgument, format, args...) }

// Transport 包装底层网络错误
func Transport(err error, format string, args ...any) error {
	return &Error{Kind: KindTransport, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 取出错误链上第一个 *Error 的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool    { return KindOf(err) == KindConflict }
func IsTransport(err error) bool   { return KindOf(err) == KindTransport }
func IsUnsupported(err error) bool { return KindOf(err) == KindUnsupported }
func IsInvalid(err error) bool     { return KindOf(err) == KindInvalidArgument }
