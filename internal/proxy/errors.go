package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// 请求路径上的失败分类，边界处理器据此决定状态码。
var (
	ErrNotFound     = errors.New("image not found")
	ErrFetchFailed  = errors.New("fetch failed")
	ErrResizeFailed = errors.New("resize failed")
	ErrReadFailed   = errors.New("read failed")
)

// pipelineError 同时保留分类与底层原因，errors.Is 对两者都成立。
type pipelineError struct {
	kind  error
	cause error
}

func fail(kind, cause error) error {
	if cause == nil {
		return kind
	}
	var existing *pipelineError
	if errors.As(cause, &existing) {
		return cause
	}
	return &pipelineError{kind: kind, cause: cause}
}

func (e *pipelineError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *pipelineError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// HTTPStatus 供 server 的错误处理器映射状态码。
func (e *pipelineError) HTTPStatus() int {
	return StatusCode(e.kind)
}

// StatusCode 返回 err 对应的 HTTP 状态码：NotFound 为 404，其余均为 500。
func StatusCode(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
