package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Analysis 是单个 Agent 针对需求给出的分析文档。
type Analysis struct {
	Impact      string   `json:"impact"`
	Components  []string `json:"components"`
	Changes     []string `json:"changes"`
	EffortHours float64  `json:"effort_hours"`
	Risks       []string `json:"risks"`
	NeedsAgentB bool     `json:"needs_agent_b"`
	NeedsAgentC bool     `json:"needs_agent_c"`
	// Degraded 表示生成服务输出无法解析，使用了默认分析。
	Degraded bool `json:"degraded,omitempty"`
}

// Clone 返回深拷贝。
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	out := *a
	out.Components = append([]string(nil), a.Components...)
	out.Changes = append([]string(nil), a.Changes...)
	out.Risks = append([]string(nil), a.Risks...)
	return &out
}

// Decision 是编排器唯一消费的下游决策。
type Decision struct {
	NeedsB bool
	NeedsC bool
}

// Wants 判断决策是否请求了指定 Agent。
func (d Decision) Wants(id ID) bool {
	switch id {
	case AgentB:
		return d.NeedsB
	case AgentC:
		return d.NeedsC
	default:
		return false
	}
}

// DecidesDownstream 从分析结果中提取下游决策，纯函数。
func DecidesDownstream(a *Analysis) Decision {
	if a == nil {
		return Decision{}
	}
	return Decision{NeedsB: a.NeedsAgentB, NeedsC: a.NeedsAgentC}
}

// DefaultAnalysis 在生成服务不可用或输出无法解析时使用。
func DefaultAnalysis(feature string) *Analysis {
	return &Analysis{
		Impact:     "Analyzing impact of: " + strings.TrimSpace(feature),
		Components: []string{"Unknown"},
		Changes:    []string{"Analysis needed"},
		Risks:      []string{"AI analysis unavailable"},
		Degraded:   true,
	}
}

// ExtractAnalysis 从生成文本中宽松地提取分析文档：去掉代码围栏，截取最外层的
// 花括号，必要时修复 JSON，缺失字段取零值。无法解析时返回错误。
func ExtractAnalysis(text string) (*Analysis, error) {
	body := stripFences(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in generator output")
	}

	candidate := body[start : end+1]
	var raw map[string]any
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		raw = nil
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, fmt.Errorf("decode repaired analysis: %w", err)
		}
	}

	a := &Analysis{
		Impact:      asString(raw["impact"]),
		Components:  asStrings(raw["components"]),
		Changes:     asStrings(raw["changes"]),
		EffortHours: asFloat(raw["effort_hours"]),
		Risks:       asStrings(raw["risks"]),
		NeedsAgentB: asBool(raw["needs_agent_b"]),
		NeedsAgentC: asBool(raw["needs_agent_c"]),
	}
	if a.EffortHours < 0 {
		a.EffortHours = 0
	}
	return a, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "```") {
		return text
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return []string{}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "h")), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}
