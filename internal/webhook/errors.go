package webhook

import (
	xerrors "FeatureScope/internal/errors"
)

const (
	CodeWebhookNotFound  xerrors.Code = "WEBHOOK_NOT_FOUND"
	CodeDeliveryNotFound xerrors.Code = "DELIVERY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeWebhookNotFound, xerrors.Attributes{
		Message:    "webhook not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeDeliveryNotFound, xerrors.Attributes{
		Message:    "delivery not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}

var (
	ErrWebhookNotFound  = xerrors.New(CodeWebhookNotFound, "")
	ErrDeliveryNotFound = xerrors.New(CodeDeliveryNotFound, "")
)
