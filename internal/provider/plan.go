// Package provider 计划生成的共用逻辑
//
// 三个提供商的 GeneratePlan 共用同一套提示词与解析器：
// 让模型输出一个 JSON 对象，解析失败按 ProviderInvalidResponse 处理。
package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
)

// planInstructions 规划提示词模板
const planInstructions = `You are a planning assistant. Analyze the user's request and produce an execution plan.

Respond with ONLY a JSON object in this exact shape, no prose before or after:
{
  "understanding": "<one-sentence summary of what the user wants>",
  "steps": [
    {"id": "step-1", "description": "<what this step does>", "tool_name": "<tool to call, or empty for a reasoning step>", "arguments": {<tool arguments>}}
  ]
}

Available tools:
%s`

// BuildPlanPrompt 构建规划提示词（附可用工具清单）
func BuildPlanPrompt(tools []model.MCPTool) string {
	var b strings.Builder
	if len(tools) == 0 {
		b.WriteString("(none)")
	}
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		fmt.Fprintf(&b, "- %s: %s (input schema: %s)\n", t.Name, t.Description, schema)
	}
	return fmt.Sprintf(planInstructions, b.String())
}

// ParsePlan 从模型输出解析计划
//
// 容忍 Markdown 代码围栏和前后缀噪声：截取第一个 '{' 到最后一个 '}'。
// 解析失败或计划为空时返回 ProviderInvalidResponse。
func ParsePlan(text string) (*Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, apperr.New(apperr.KindProvider, apperr.CodeProviderInvalidOutput,
			"plan response contains no JSON object")
	}

	plan := &Plan{}
	if err := json.Unmarshal([]byte(text[start:end+1]), plan); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, apperr.CodeProviderInvalidOutput,
			"plan response is not valid JSON", err)
	}
	if len(plan.Steps) == 0 {
		return nil, apperr.New(apperr.KindProvider, apperr.CodeProviderInvalidOutput,
			"plan contains no steps")
	}

	for i := range plan.Steps {
		if plan.Steps[i].ID == "" {
			plan.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	return plan, nil
}
