package webhook

import (
	"context"
	"sort"
	"sync"
)

// Store 持久化订阅与投递记录。
type Store interface {
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	// ListActive 返回所有处于 active 状态的订阅。
	ListActive(ctx context.Context) ([]*Webhook, error)
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	// ListDeliveries 按创建时间返回某个订阅的投递记录。
	ListDeliveries(ctx context.Context, webhookID string) ([]*Delivery, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore 是 Store 的内存实现。
type MemoryStore struct {
	mu         sync.RWMutex
	webhooks   map[string]*Webhook
	deliveries map[string]*Delivery
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		webhooks:   make(map[string]*Webhook),
		deliveries: make(map[string]*Delivery),
	}
}

func (m *MemoryStore) CreateWebhook(_ context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) GetWebhook(_ context.Context, id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	return w.Clone(), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		if w.Status == StatusActive {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	m.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, webhookID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.webhooks[webhookID]; !ok {
		return nil, ErrWebhookNotFound
	}
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
