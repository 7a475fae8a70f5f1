// Package orchestrator 驱动一次功能分析请求在 A→B→C 层级中的完整生命周期。
//
// Submit 同步创建请求与根任务后立即返回，随后在独立的协程中按调用树递归派发：
// 每一层根据自身分析的下游决策，经拓扑策略校验后派发直接下游，等待其全部进入终态，
// 再把自身分析与直接下游的汇总视图合并后交给上层。根节点结束后计算整体状态与建议，
// 写入存储并发布 Webhook 事件。
package orchestrator
