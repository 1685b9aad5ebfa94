package service

import (
	"errors"
	"fmt"
)

// 错误分类，处理器据此映射 HTTP 状态码
var (
	ErrUnauthorized = errors.New("未认证")
	ErrBadRequest   = errors.New("请求参数错误")
	ErrNotFound     = errors.New("记录不存在")
	ErrUpstream     = errors.New("任务服务调用失败")
	ErrPersistence  = errors.New("数据库写入失败")
	ErrPolling      = errors.New("任务状态查询失败")
	ErrTaskFailed   = errors.New("任务执行失败")
)

// TaskError 带分类与附加信息的错误
type TaskError struct {
	Kind    error
	Message string
	Details any // 上游响应体等，原样返回给调用方
	Err     error
}

func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, message string, err error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

func badRequest(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrorDetails 取出错误携带的附加信息
func ErrorDetails(err error) any {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Details
	}
	return nil
}
