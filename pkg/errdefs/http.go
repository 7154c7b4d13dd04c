package errdefs

import (
	"errors"
	"net/http"
)

// HTTPStatus 服务端把错误映射成状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus 客户端把非 2xx 回复还原成带分类的错误。
// 5xx 和无法识别的状态码都算传输失败，调用方无法确定服务端是否已经生效。
func FromStatus(code int, detail string) error {
	if detail == "" {
		detail = http.StatusText(code)
	}
	switch code {
	case http.StatusNotFound:
		return NotFoundf("%s", detail)
	case http.StatusConflict:
		return Conflictf("%s", detail)
	case http.StatusBadRequest:
		return Invalidf("%s", detail)
	case http.StatusNotImplemented:
		return Unsupportedf("%s", detail)
	default:
		return Transport(errors.New(detail), "unexpected status %d", code)
	}
}
