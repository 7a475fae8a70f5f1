package agentclient

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	xerrors "FeatureScope/internal/errors"
)

// Callbacks 记录等待下游回调的派发，以 callback_token 作为键。
type Callbacks struct {
	mu      sync.Mutex
	waiters map[string]chan CallbackPayload
}

// NewCallbacks 创建回调注册表。
func NewCallbacks() *Callbacks {
	return &Callbacks{waiters: make(map[string]chan CallbackPayload)}
}

// Register 生成新的回调令牌并返回接收通道。
func (c *Callbacks) Register() (string, <-chan CallbackPayload) {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)
	ch := make(chan CallbackPayload, 1)
	c.mu.Lock()
	c.waiters[token] = ch
	c.mu.Unlock()
	return token, ch
}

// Deliver 将回调结果交给等待方。令牌未知或已消费时返回 NOT_FOUND。
func (c *Callbacks) Deliver(payload CallbackPayload) error {
	c.mu.Lock()
	ch, ok := c.waiters[payload.CallbackToken]
	if ok {
		delete(c.waiters, payload.CallbackToken)
	}
	c.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "unknown or consumed callback token")
	}
	ch <- payload
	return nil
}

// Forget 放弃等待，用于派发超时或取消。
func (c *Callbacks) Forget(token string) {
	c.mu.Lock()
	delete(c.waiters, token)
	c.mu.Unlock()
}

// Pending 返回等待中的回调数量。
func (c *Callbacks) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
