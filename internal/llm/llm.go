package llm

import (
	"context"
	"strings"
)

// Request 描述发送给文本生成服务的一次调用。
type Request struct {
	// System 为角色设定，描述 Agent 的职责与输出格式。
	System string
	// Prompt 为本次需要分析的内容。
	Prompt string
	// JSON 要求服务端尽量以 JSON 对象输出。
	JSON bool
}

// Response 是生成服务返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用文本生成服务的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许使用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StaticClient 总是返回固定文本，用于演示环境与测试。
type StaticClient struct {
	Text string
}

// Generate 实现 Client 接口。
func (s StaticClient) Generate(ctx context.Context, _ Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Text: strings.TrimSpace(s.Text), Model: "static"}, nil
}
