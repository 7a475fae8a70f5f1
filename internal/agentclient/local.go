package agentclient

import (
	"context"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
)

// LocalTransport 在进程内调用 agent.Analyzer。
type LocalTransport struct {
	Analyzer agent.Analyzer
}

// NewLocalTransport 包装一个 Analyzer。
func NewLocalTransport(a agent.Analyzer) *LocalTransport {
	return &LocalTransport{Analyzer: a}
}

// Invoke 实现 Transport 接口。未分类的分析错误视为不可重试。
func (t *LocalTransport) Invoke(ctx context.Context, call Call) (*agent.Analysis, error) {
	if t.Analyzer == nil {
		return nil, xerrors.New(xerrors.CodeAgentUnavailable, "analyzer not configured", xerrors.WithRetryable(false))
	}
	analysis, err := t.Analyzer.Analyze(ctx, call.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "analysis failed")
	}
	return analysis, nil
}
