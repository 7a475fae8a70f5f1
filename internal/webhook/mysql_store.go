package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "FeatureScope/internal/errors"
)

var _ Store = (*MySQLStore)(nil)

// MySQLStore 使用 webhook_subscriptions 与 webhook_deliveries 表。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const webhookColumns = `webhook_id, owner_id, url, events, secret, status, created_at`

const deliveryColumns = `delivery_id, webhook_id, event, request_id, payload, state, attempts, last_status_code, last_error, created_at, updated_at`

func (s *MySQLStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件列表失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.URL, events, w.Secret, string(w.Status), w.CreatedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订阅失败")
	}
	return nil
}

func (s *MySQLStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE webhook_id = ?`, id)
	w, err := scanWebhook(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订阅失败")
	}
	return w, nil
}

func (s *MySQLStore) ListActive(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE status = ? ORDER BY created_at ASC`, string(StatusActive))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订阅失败")
	}
	defer rows.Close()
	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订阅失败")
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订阅失败")
	}
	return out, nil
}

func (s *MySQLStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, string(d.Event), d.RequestID, []byte(d.Payload), string(d.State),
		d.Attempts, d.LastStatusCode, nullString(d.LastError), d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入投递记录失败")
	}
	return nil
}

func (s *MySQLStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id = ?`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投递记录失败")
	}
	return d, nil
}

func (s *MySQLStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_deliveries SET state = ?, attempts = ?, last_status_code = ?, last_error = ?, updated_at = ? WHERE delivery_id = ?`,
		string(d.State), d.Attempts, d.LastStatusCode, nullString(d.LastError), d.UpdatedAt.UnixMilli(), d.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新投递记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *MySQLStore) ListDeliveries(ctx context.Context, webhookID string) ([]*Delivery, error) {
	if _, err := s.GetWebhook(ctx, webhookID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at ASC`, webhookID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投递记录失败")
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投递记录失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投递记录失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row scanner) (*Webhook, error) {
	var (
		w       Webhook
		events  []byte
		status  string
		created int64
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &events, &w.Secret, &status, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &w.Events); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.CreatedAt = time.UnixMilli(created).UTC()
	return &w, nil
}

func scanDelivery(row scanner) (*Delivery, error) {
	var (
		d         Delivery
		event     string
		payload   []byte
		state     string
		lastError sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&d.ID, &d.WebhookID, &event, &d.RequestID, &payload, &state,
		&d.Attempts, &d.LastStatusCode, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	d.Event = Event(event)
	d.Payload = json.RawMessage(payload)
	d.State = State(state)
	d.LastError = lastError.String
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return &d, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
