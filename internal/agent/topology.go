package agent

import (
	"fmt"
	"strings"
)

// DispatchError 描述被拓扑策略拒绝的一次派发。
type DispatchError struct {
	From   ID
	To     ID
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s→%s denied: %s", e.From, e.To, e.Reason)
}

// Topology 集中执行层级间的邻接策略。
type Topology struct {
	catalog *Catalog
}

// NewTopology 基于画像目录构建拓扑。
func NewTopology(catalog *Catalog) *Topology {
	return &Topology{catalog: catalog}
}

// Catalog 返回拓扑使用的画像目录。
func (t *Topology) Catalog() *Catalog { return t.catalog }

// Root 返回入口 Agent。
func (t *Topology) Root() ID { return AgentA }

// CanDispatch 校验 from 是否可以向 to 派发任务。path 为从根节点到 from 的调用链
// （包含 from）。to 必须位于 from 的允许下游集合中，且不能是调用链上的任一祖先。
func (t *Topology) CanDispatch(from, to ID, path []ID) error {
	src, ok := t.catalog.Get(from)
	if !ok {
		return &DispatchError{From: from, To: to, Reason: "unknown source agent"}
	}
	if _, ok := t.catalog.Get(to); !ok {
		return &DispatchError{From: from, To: to, Reason: "unknown target agent"}
	}
	for _, ancestor := range path {
		if ancestor == to {
			return &DispatchError{From: from, To: to, Reason: "target is an ancestor in " + formatPath(path)}
		}
	}
	if !src.CanReach(to) {
		return &DispatchError{From: from, To: to, Reason: "target is not an allowed downstream"}
	}
	return nil
}

// Downstream 返回 from 的允许下游集合。
func (t *Topology) Downstream(from ID) []ID {
	p, ok := t.catalog.Get(from)
	if !ok {
		return nil
	}
	return p.AllowedDownstream
}

func formatPath(path []ID) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = string(id)
	}
	return strings.Join(parts, "→")
}
