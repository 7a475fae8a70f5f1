package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"FeatureScope/internal/llm"
	"FeatureScope/pkg/logger"
)

// Input 是一次分析调用的上下文。Upstream 只包含调用方自己的分析。
type Input struct {
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id"`
	Feature       string    `json:"feature"`
	Priority      string    `json:"priority"`
	Upstream      *Analysis `json:"upstream,omitempty"`
}

// Analyzer 生成单个 Agent 的分析。
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*Analysis, error)
}

// AnalyzerFunc 允许使用普通函数实现 Analyzer。
type AnalyzerFunc func(ctx context.Context, in Input) (*Analysis, error)

// Analyze 实现 Analyzer 接口。
func (f AnalyzerFunc) Analyze(ctx context.Context, in Input) (*Analysis, error) {
	return f(ctx, in)
}

// LLMAnalyzer 通过文本生成服务产出分析。
type LLMAnalyzer struct {
	profile Profile
	client  llm.Client
}

// NewLLMAnalyzer 为指定画像构造分析器。
func NewLLMAnalyzer(profile Profile, client llm.Client) *LLMAnalyzer {
	return &LLMAnalyzer{profile: profile.clone(), client: client}
}

// Analyze 调用生成服务；上下文取消或超时时返回错误，其余失败退化为默认分析。
func (a *LLMAnalyzer) Analyze(ctx context.Context, in Input) (*Analysis, error) {
	if strings.TrimSpace(in.Feature) == "" {
		return nil, fmt.Errorf("feature is required")
	}
	resp, err := a.client.Generate(ctx, llm.Request{
		System: SystemPrompt(a.profile),
		Prompt: UserPrompt(in),
		JSON:   true,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.With(ctx).Warn("生成服务调用失败，使用默认分析",
			slog.String("agent_id", string(a.profile.ID)),
			slog.Any("error", err))
		return DefaultAnalysis(in.Feature), nil
	}
	analysis, err := ExtractAnalysis(resp.Text)
	if err != nil {
		logger.With(ctx).Warn("无法解析生成结果，使用默认分析",
			slog.String("agent_id", string(a.profile.ID)),
			slog.Any("error", err))
		return DefaultAnalysis(in.Feature), nil
	}
	return analysis, nil
}

// SystemPrompt 根据画像构造角色设定。
func SystemPrompt(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s in a car rental system.\n", p.Name, p.Role)
	if p.Component != "" {
		fmt.Fprintf(&b, "Component you own: %s\n", p.Component)
	}
	fmt.Fprintf(&b, "Your responsibilities: %s\n", strings.Join(p.Responsibilities, ", "))
	apis := "None"
	if len(p.APIs) > 0 {
		apis = strings.Join(p.APIs, ", ")
	}
	fmt.Fprintf(&b, "APIs you provide: %s\n\n", apis)
	b.WriteString("Analyze the feature request and provide:\n")
	b.WriteString("1. Impact on your components\n2. Required changes\n3. Estimated effort\n4. Risks and challenges\n")
	if len(p.AllowedDownstream) > 0 {
		names := make([]string, len(p.AllowedDownstream))
		for i, id := range p.AllowedDownstream {
			names[i] = "Agent " + string(id)
		}
		fmt.Fprintf(&b, "5. Whether you need to consult %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\nRespond in JSON format with these keys:\n")
	b.WriteString("- impact: string describing impact\n")
	b.WriteString("- components: list of affected components\n")
	b.WriteString("- changes: list of required changes\n")
	b.WriteString("- effort_hours: number\n")
	b.WriteString("- risks: list of risks\n")
	for _, id := range p.AllowedDownstream {
		key := "needs_agent_" + strings.ToLower(string(id))
		fmt.Fprintf(&b, "- %s: boolean (true if you need Agent %s)\n", key, id)
	}
	return b.String()
}

// UserPrompt 构造需求描述；上下文只包含直接上游的分析。
func UserPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature Request: %s\n", strings.TrimSpace(in.Feature))
	if in.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", in.Priority)
	}
	if in.Upstream != nil {
		ctxJSON, err := json.MarshalIndent(in.Upstream, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nContext from the requesting agent:\n%s\n", ctxJSON)
		}
	}
	b.WriteString("\nAnalyze this request from your perspective and determine what's needed.\n")
	b.WriteString("Provide your analysis in valid JSON format.")
	return b.String()
}

// StaticAnalyzer 返回预置的分析结果，用于演示环境与测试。
type StaticAnalyzer struct {
	mu       sync.Mutex
	analysis *Analysis
	calls    int
}

// NewStaticAnalyzer 构造固定输出的分析器。
func NewStaticAnalyzer(a *Analysis) *StaticAnalyzer {
	return &StaticAnalyzer{analysis: a.Clone()}
}

// Analyze 实现 Analyzer 接口。
func (s *StaticAnalyzer) Analyze(ctx context.Context, _ Input) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.analysis.Clone(), nil
}

// Calls 返回被调用次数。
func (s *StaticAnalyzer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// DemoAnalyses 返回演示用的三层分析，A 请求 B，B 请求 C。
func DemoAnalyses() map[ID]*Analysis {
	return map[ID]*Analysis{
		AgentA: {
			Impact:      "New booking screen and status indicators in mobile and staff apps",
			Components:  []string{"A1 mobile app", "A2 staff app"},
			Changes:     []string{"Add UI flow", "Integrate new backend endpoint"},
			EffortHours: 6,
			Risks:       []string{"UX regression on small screens"},
			NeedsAgentB: true,
		},
		AgentB: {
			Impact:      "New REST endpoint and IoT command relay",
			Components:  []string{"B1 REST API", "B2 IoT Gateway"},
			Changes:     []string{"Add endpoint", "Extend command schema"},
			EffortHours: 4,
			Risks:       []string{"Gateway backpressure"},
			NeedsAgentC: true,
		},
		AgentC: {
			Impact:      "Vehicle controller must handle the new command",
			Components:  []string{"C4 vehicle controller"},
			Changes:     []string{"Handle command on CAN bus"},
			EffortHours: 4,
			Risks:       []string{"Firmware rollout"},
		},
	}
}
