// Package api 暴露 FeatureScope 的 REST 接口：需求提交、状态与结果查询、
// Agent 间的 analyze/callback 调用以及 Webhook 订阅管理。
package api
