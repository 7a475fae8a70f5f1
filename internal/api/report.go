package api

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/request"
)

//go:embed templates/report.md.tmpl
var reportFS embed.FS

var reportTemplate = template.Must(template.New("report.md.tmpl").
	Option("missingkey=error").
	Funcs(template.FuncMap{
		"join":  strings.Join,
		"hours": formatHours,
	}).
	ParseFS(reportFS, "templates/report.md.tmpl"))

type reportDownstream struct {
	ID     agent.ID
	Needed bool
}

type reportLayer struct {
	Indent     string
	Layer      *request.LayerResult
	Profile    agent.Profile
	Downstream []reportDownstream
}

type reportData struct {
	Feature string
	Result  *request.ConsolidatedResult
	Agents  []string
	Layers  []reportLayer
}

// RenderMarkdown 将汇总结果渲染为 Markdown 报告，按调用树先序列出各层。
func RenderMarkdown(feature string, result *request.ConsolidatedResult, catalog *agent.Catalog) (string, error) {
	if result == nil {
		return "", xerrors.New(xerrors.CodeNotReady, "result not ready")
	}
	if catalog == nil {
		catalog = agent.DefaultCatalog()
	}
	data := reportData{Feature: feature, Result: result}
	for _, id := range result.AgentsInvolved {
		data.Agents = append(data.Agents, "Agent "+string(id))
	}
	var visit func(l *request.LayerResult, depth int)
	visit = func(l *request.LayerResult, depth int) {
		if l == nil {
			return
		}
		profile, _ := catalog.Get(l.AgentID)
		entry := reportLayer{Indent: strings.Repeat("  ", depth), Layer: l, Profile: profile}
		if l.Analysis != nil {
			decision := agent.DecidesDownstream(l.Analysis)
			for _, d := range profile.AllowedDownstream {
				entry.Downstream = append(entry.Downstream, reportDownstream{ID: d, Needed: decision.Wants(d)})
			}
		}
		data.Layers = append(data.Layers, entry)
		for _, child := range l.Downstream {
			visit(child, depth+1)
		}
	}
	visit(result.Layers, 0)

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// Report 返回已完成请求的 Markdown 报告。
func (s *Service) Report(ctx context.Context, id string) (string, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return "", err
	}
	if !req.Status.Final() || req.Result == nil {
		return "", xerrors.New(xerrors.CodeNotReady, "result not ready")
	}
	return RenderMarkdown(req.Feature, req.Result, s.catalog)
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}
