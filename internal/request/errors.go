package request

import (
	xerrors "FeatureScope/internal/errors"
)

const (
	CodeRequestNotFound   xerrors.Code = "REQUEST_NOT_FOUND"
	CodeRequestExists     xerrors.Code = "REQUEST_EXISTS"
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
	CodeAlreadyFinal      xerrors.Code = "REQUEST_ALREADY_FINAL"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:    "request not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeRequestExists, xerrors.Attributes{
		Message:    "request already exists",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "illegal task state transition",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeAlreadyFinal, xerrors.Attributes{
		Message:    "request already finalized",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

var (
	// ErrRequestNotFound 表示请求不存在或已过期。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "request not found")
	// ErrRequestExists 表示 request_id 已被使用。
	ErrRequestExists = xerrors.New(CodeRequestExists, "request already exists")
	// ErrTaskNotFound 表示任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrInvalidTransition 表示任务当前状态不允许目标迁移。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "illegal task state transition")
	// ErrAlreadyFinal 表示请求已处于终态。
	ErrAlreadyFinal = xerrors.New(CodeAlreadyFinal, "request already finalized")
)
