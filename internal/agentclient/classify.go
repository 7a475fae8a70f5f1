package agentclient

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"

	xerrors "FeatureScope/internal/errors"
)

// Classify 将传输层错误映射为统一错误码。已分类的错误原样返回。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCancelled, err, "dispatch cancelled")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "agent call timed out")
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "agent call timed out")
	}
	var opErr *net.OpError
	if stdErrors.As(err, &opErr) {
		return xerrors.Wrap(xerrors.CodeAgentUnavailable, err, "agent unreachable")
	}
	return xerrors.Wrap(xerrors.CodeAgentUnavailable, err, "agent call failed")
}

// ClassifyStatus 将下游返回的 HTTP 状态码映射为统一错误码，2xx 返回 nil。
func ClassifyStatus(status int, detail string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf("agent responded %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusBadRequest:
		return xerrors.New(xerrors.CodeInvalidArgument, msg)
	case status == http.StatusUnauthorized:
		return xerrors.New(xerrors.CodeUnauthenticated, msg)
	case status == http.StatusForbidden:
		return xerrors.New(xerrors.CodePermissionDenied, msg)
	case status == http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, msg)
	case status == http.StatusRequestEntityTooLarge:
		return xerrors.New(xerrors.CodePayloadTooLarge, msg)
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeRateLimited, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return xerrors.New(xerrors.CodeTimeout, msg)
	case status >= 500:
		return xerrors.New(xerrors.CodeAgentUnavailable, msg)
	default:
		return xerrors.New(xerrors.CodeUnknown, msg)
	}
}

// jobFailure 将远端作业失败转换为错误，保留下游给出的错误码。
func jobFailure(e *JobError) error {
	if e == nil {
		return xerrors.New(xerrors.CodeUnknown, "agent reported failure without detail")
	}
	code := xerrors.Code(e.Code)
	if code == "" {
		code = xerrors.CodeUnknown
	}
	return xerrors.New(code, e.Message)
}
