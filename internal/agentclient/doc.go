// Package agentclient 负责向各层 Agent 派发分析任务。
//
// Client 为每次派发创建 TaskHandle，并在单次派发期限内按照退避策略重试
// 可恢复的失败。具体的调用方式由 Transport 决定：LocalTransport 直接调用进程内的
// agent.Analyzer，HTTPTransport 通过 REST 接口调用远端 Agent，支持轮询与回调两种模式。
package agentclient
