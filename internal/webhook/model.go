// Package webhook 管理 Webhook 订阅，并在请求完成时签名投递事件。
package webhook

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	xerrors "FeatureScope/internal/errors"
)

// Event 是可订阅的事件名。
type Event string

const (
	EventCompleted      Event = "analysis.completed"
	EventPartialFailure Event = "analysis.partial_failure"
	EventFailed         Event = "analysis.failed"
	// EventAll 订阅全部事件。
	EventAll Event = "*"
)

// KnownEvents 返回全部具体事件。
func KnownEvents() []Event {
	return []Event{EventCompleted, EventPartialFailure, EventFailed}
}

// Status 是订阅状态。
type Status string

const StatusActive Status = "active"

// Webhook 是一条订阅。
type Webhook struct {
	ID        string    `json:"webhook_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	URL       string    `json:"url"`
	Events    []Event   `json:"events"`
	Secret    string    `json:"-"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches 判断订阅是否关注 ev。
func (w *Webhook) Matches(ev Event) bool {
	if w.Status != StatusActive {
		return false
	}
	for _, e := range w.Events {
		if e == EventAll || e == ev {
			return true
		}
	}
	return false
}

// Clone 返回深拷贝。
func (w *Webhook) Clone() *Webhook {
	if w == nil {
		return nil
	}
	out := *w
	out.Events = append([]Event(nil), w.Events...)
	return &out
}

// Validate 校验订阅参数。
func (w *Webhook) Validate() error {
	u, err := url.Parse(strings.TrimSpace(w.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "webhook url must be an absolute http(s) url")
	}
	if strings.TrimSpace(w.Secret) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "webhook secret is required")
	}
	if len(w.Events) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "at least one event is required")
	}
	for _, e := range w.Events {
		switch e {
		case EventAll, EventCompleted, EventPartialFailure, EventFailed:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, "unknown event "+string(e))
		}
	}
	return nil
}

// State 是投递状态。
type State string

const (
	StatePending    State = "pending"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
)

// Final 判断投递是否结束。
func (s State) Final() bool {
	return s == StateDelivered || s == StateFailed
}

// Delivery 是一次事件投递。
type Delivery struct {
	ID             string          `json:"delivery_id"`
	WebhookID      string          `json:"webhook_id"`
	Event          Event           `json:"event"`
	RequestID      string          `json:"request_id"`
	Payload        json.RawMessage `json:"-"`
	State          State           `json:"state"`
	Attempts       int             `json:"attempts"`
	LastStatusCode int             `json:"last_status_code,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone 返回深拷贝。
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	out := *d
	out.Payload = append(json.RawMessage(nil), d.Payload...)
	return &out
}

// Notification 是事件的投递内容。
type Notification struct {
	Event            Event     `json:"event"`
	RequestID        string    `json:"request_id"`
	OverallStatus    string    `json:"overall_status"`
	Recommendation   string    `json:"recommendation"`
	TotalEffortHours float64   `json:"total_effort_hours"`
	ResultURL        string    `json:"result_url,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}
