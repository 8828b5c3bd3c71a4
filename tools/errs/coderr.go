package errs

import (
	"errors"
	"strconv"

	pkgerr "github.com/pkg/errors"
)

// 错误码分段：1xxx 权限 / 2xxx 限流 / 3xxx 资源 / 4xxx 冲突 / 5xxx 基础设施
const (
	CodePermissionDenied = 1001
	CodeTokenInvalid     = 1002
	CodeRateLimited      = 2001
	CodeNotFound         = 3001
	CodeConflict         = 4001
	CodeInfrastructure   = 5001
)

var (
	ErrPermissionDenied = NewCodeError(CodePermissionDenied, "permission denied")
	ErrTokenInvalid     = NewCodeError(CodeTokenInvalid, "token invalid or expired")
	ErrRateLimited      = NewCodeError(CodeRateLimited, "rate limited")
	ErrNotFound         = NewCodeError(CodeNotFound, "record not found")
	ErrConflict         = NewCodeError(CodeConflict, "conflict")
	ErrInfrastructure   = NewCodeError(CodeInfrastructure, "infrastructure failure")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{Code: code, Msg: msg}
}

func (e CodeError) Error() string {
	s := strconv.Itoa(e.Code) + ": " + e.Msg
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	return s
}

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is 使 errors.Is 按 Code 匹配，Detail 不参与比较。
func (e CodeError) Is(target error) bool {
	var ce CodeError
	if errors.As(target, &ce) {
		return ce.Code == e.Code
	}
	return false
}

// Wrap 给基础设施错误附加堆栈与上下文；业务判定（拒绝/限流）不走 error。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrapf(err, format, args...)
}

// Infra 把底层错误归入基础设施类别，同时保留原始链。
func Infra(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(pkgerr.WithMessage(err, ErrInfrastructure.Error()), msg)
}
