package idregistry

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码
type ErrorCode string

const (
	CodeRegistration  ErrorCode = "REGISTRATION_ERROR"
	CodeExhausted     ErrorCode = "GLOBAL_ID_EXHAUSTED"
	CodeConflict      ErrorCode = "CONFLICT_DETECTED"
	CodeConnection    ErrorCode = "CONNECTION_FAILURE"
	CodeConsistency   ErrorCode = "CONSISTENCY_VIOLATION"
	CodeNotReady      ErrorCode = "FLEET_NOT_READY"
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	CodeClosed        ErrorCode = "REGISTRY_CLOSED"
)

// Error 注册中心的统一错误类型
//
// 所有致命路径都以 *Error 返回，Cause 保存原始错误。
// 使用 errors.Is(err, ErrConflict) 之类的方式按错误码匹配。
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrRegistration  = &Error{Code: CodeRegistration, Message: "registration failed"}
	ErrExhausted     = &Error{Code: CodeExhausted, Message: "global id exhausted"}
	ErrConflict      = &Error{Code: CodeConflict, Message: "global id occupied by another identity"}
	ErrConnection    = &Error{Code: CodeConnection, Message: "coordination store unreachable"}
	ErrConsistency   = &Error{Code: CodeConsistency, Message: "stored mapping disagrees with assigned id"}
	ErrNotReady      = &Error{Code: CodeNotReady, Message: "fleet not ready"}
	ErrInvalidConfig = &Error{Code: CodeInvalidConfig, Message: "invalid configuration"}
	ErrClosed        = &Error{Code: CodeClosed, Message: "registry closed"}
)

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf 返回错误链中第一个 *Error 的错误码
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// asRegistrationError 注册阶段的非 *Error 错误统一包装为 ErrRegistration
func asRegistrationError(message string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(CodeRegistration, message, err)
}
