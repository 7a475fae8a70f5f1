package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/metrics"
	"FeatureScope/internal/queue"
	"FeatureScope/pkg/logger"
)

// Options 控制投递行为。
type Options struct {
	Workers        int
	RequestTimeout time.Duration
	Retry          xerrors.RetryConfig
	Sleep          xerrors.SleepFunc
	HTTPClient     *http.Client
	Now            func() time.Time
}

// Dispatcher 为匹配的订阅创建投递记录，并通过队列由有限的工作协程发送。
type Dispatcher struct {
	store    Store
	producer queue.Producer
	opts     Options
	log      *slog.Logger
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(store Store, producer queue.Producer, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Retry.MaxRetries == 0 && len(opts.Retry.Backoff) == 0 {
		opts.Retry = xerrors.DefaultRetryConfig()
	}
	if opts.Sleep == nil {
		opts.Sleep = xerrors.Sleep
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{store: store, producer: producer, opts: opts, log: logger.Named("webhook")}
}

// Register 创建一条 active 订阅。
func (d *Dispatcher) Register(ctx context.Context, w *Webhook) (*Webhook, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	created := w.Clone()
	created.ID = uuid.NewString()
	created.Status = StatusActive
	created.CreatedAt = d.opts.Now().UTC()
	if err := d.store.CreateWebhook(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// Deliveries 返回订阅的投递记录。
func (d *Dispatcher) Deliveries(ctx context.Context, webhookID string) ([]*Delivery, error) {
	return d.store.ListDeliveries(ctx, webhookID)
}

// Webhook 返回订阅详情。
func (d *Dispatcher) Webhook(ctx context.Context, id string) (*Webhook, error) {
	return d.store.GetWebhook(ctx, id)
}

// Publish 为每个匹配的订阅创建投递记录并入队，返回创建的投递数量。
func (d *Dispatcher) Publish(ctx context.Context, n Notification) (int, error) {
	hooks, err := d.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUnknown, err, "编码通知失败")
	}
	created := 0
	for _, hook := range hooks {
		if !hook.Matches(n.Event) {
			continue
		}
		now := d.opts.Now().UTC()
		delivery := &Delivery{
			ID:        uuid.NewString(),
			WebhookID: hook.ID,
			Event:     n.Event,
			RequestID: n.RequestID,
			Payload:   payload,
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			return created, err
		}
		if err := d.producer.Publish(ctx, delivery.ID); err != nil {
			d.log.Error("投递入队失败", slog.String("delivery_id", delivery.ID), slog.Any("error", err))
			delivery.State = StateFailed
			delivery.LastError = "enqueue: " + err.Error()
			delivery.UpdatedAt = d.opts.Now().UTC()
			if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
				d.log.Error("更新投递状态失败", slog.String("delivery_id", delivery.ID), slog.Any("error", err))
			}
			continue
		}
		created++
	}
	return created, nil
}

// Run 以配置的并发度消费投递队列，直到 ctx 结束。
func (d *Dispatcher) Run(ctx context.Context, consumer queue.Consumer) error {
	return consumer.Consume(ctx, d.opts.Workers, d.Deliver)
}

// Deliver 发送一条投递，失败时按退避策略重试，耗尽后标记为 failed。
// 存储层错误与 ctx 取消会返回给队列，被取消的投递保持 pending。
func (d *Dispatcher) Deliver(ctx context.Context, deliveryID string) error {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if xerrors.HasCode(err, CodeDeliveryNotFound) {
			d.log.Warn("投递记录不存在", slog.String("delivery_id", deliveryID))
			return nil
		}
		return err
	}
	if delivery.State.Final() {
		return nil
	}
	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		if xerrors.HasCode(err, CodeWebhookNotFound) {
			return d.finish(ctx, delivery, StateFailed, 0, "webhook removed")
		}
		return err
	}

	delivery.State = StateDelivering
	delivery.UpdatedAt = d.opts.Now().UTC()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}

	var status int
	sendErr := xerrors.Retry(ctx, d.opts.Retry, d.opts.Sleep, func(ctx context.Context, _ int) error {
		delivery.Attempts++
		code, err := d.send(ctx, hook, delivery)
		status = code
		return err
	}, func(retry int, lastErr error) {
		d.log.Warn("Webhook 投递失败，准备重试",
			slog.String("delivery_id", delivery.ID),
			slog.Int("retry", retry),
			slog.Any("error", lastErr),
		)
		delivery.LastStatusCode = status
		delivery.LastError = lastErr.Error()
		delivery.UpdatedAt = d.opts.Now().UTC()
		if err := d.store.UpdateDelivery(context.WithoutCancel(ctx), delivery); err != nil {
			d.log.Error("更新投递状态失败", slog.String("delivery_id", delivery.ID), slog.Any("error", err))
		}
	})
	if sendErr != nil && ctx.Err() != nil {
		// 工作协程被取消时退回 pending，交由队列重新投递。
		delivery.State = StatePending
		delivery.LastStatusCode = status
		delivery.LastError = sendErr.Error()
		delivery.UpdatedAt = d.opts.Now().UTC()
		if err := d.store.UpdateDelivery(context.WithoutCancel(ctx), delivery); err != nil {
			d.log.Error("更新投递状态失败", slog.String("delivery_id", delivery.ID), slog.Any("error", err))
		}
		d.log.Warn("投递被中断，等待重新入队", slog.String("delivery_id", delivery.ID))
		return ctx.Err()
	}
	if sendErr != nil {
		return d.finish(ctx, delivery, StateFailed, status, sendErr.Error())
	}
	return d.finish(ctx, delivery, StateDelivered, status, "")
}

func (d *Dispatcher) finish(ctx context.Context, delivery *Delivery, state State, status int, lastErr string) error {
	delivery.State = state
	delivery.LastStatusCode = status
	delivery.LastError = lastErr
	delivery.UpdatedAt = d.opts.Now().UTC()
	metrics.ObserveWebhookDelivery(string(state))
	log := d.log.With(slog.String("delivery_id", delivery.ID), slog.Int("attempts", delivery.Attempts))
	if state == StateFailed {
		log.Error("Webhook 投递最终失败", slog.String("error", lastErr))
	} else {
		log.Info("Webhook 投递成功")
	}
	return d.store.UpdateDelivery(context.WithoutCancel(ctx), delivery)
}

func (d *Dispatcher) send(ctx context.Context, hook *Webhook, delivery *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FeatureScope-Webhook/1.0")
	req.Header.Set("X-FeatureScope-Event", string(delivery.Event))
	req.Header.Set("X-FeatureScope-Delivery", delivery.ID)
	req.Header.Set(SignatureHeader, Sign(hook.Secret, delivery.Payload))

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeAgentUnavailable, err, "webhook endpoint unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	// 任何非 2xx 响应都按可重试处理，重试次数由退避策略限定。
	return resp.StatusCode, xerrors.New(xerrors.CodeAgentUnavailable, fmt.Sprintf("webhook endpoint responded %d", resp.StatusCode))
}
