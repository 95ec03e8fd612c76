package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agents-exec/internal/provider"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
)

// runPlanned 规划策略
//
// 生成计划 → 规划步骤 → 按计划顺序调度工具（每次调用一个步骤 +
// 一条结果事件）→ 用工具输出流式生成总结 → 完成步骤。
//
// 工具失败按分类处理：
//   - 授权缺失：中止执行，由引擎把任务置为 auth-required
//   - 等待用户输入：中止执行，由引擎把任务置为 input-required
//   - 其余工具错误：步骤标记失败，错误文本回馈给模型（恢复轮），
//     继续执行后续计划步骤
func (e *Engine) runPlanned(ctx context.Context, ec *ExecutionContext, msgs []provider.ChatMessage, tools []model.MCPTool) (*ExecutionResult, error) {
	result := &ExecutionResult{Tools: tools, Iterations: 1}

	planning, err := e.beginStep(ctx, ec, model.StepKindPlanning, map[string]any{
		"agent": ec.Agent.Name,
		"tools": toolNames(tools),
	})
	if err != nil {
		return nil, err
	}

	plan, err := e.planWithRetry(ctx, ec, &provider.Request{
		Model:        ec.Agent.Model,
		SystemPrompt: ec.Agent.SystemInstructions,
		Messages:     msgs,
		Tools:        tools,
	})
	if err != nil {
		e.finishStep(ctx, ec, planning, model.StepStatusFailed, map[string]string{
			"error": apperr.UserMessageOf(err),
		})
		return result, err
	}
	e.finishStep(ctx, ec, planning, model.StepStatusCompleted, plan)

	// 按计划顺序执行工具调用
	for _, planStep := range plan.Steps {
		if planStep.ToolName == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		call := model.ToolCall{
			ID:        planStep.ID,
			Name:      planStep.ToolName,
			Arguments: planStep.Arguments,
		}
		result.ToolCalls = append(result.ToolCalls, call)

		ec.Stream.Send(&model.StreamEvent{
			Type:       model.EventToolCallStart,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		ec.Stream.Send(&model.StreamEvent{
			Type:       model.EventToolCallEnd,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		})

		toolStep, stepErr := e.beginStep(ctx, ec, model.StepKindToolCall, call)
		if stepErr != nil {
			return result, stepErr
		}

		toolResult, callErr := e.dispatcher.ExecuteTool(ctx, &call, tools, ec.Request, ec.Agent.ModelOverrides)
		switch {
		case callErr != nil && apperr.CodeOf(callErr) == apperr.CodeToolAuthRequired:
			e.finishStep(ctx, ec, toolStep, model.StepStatusFailed, map[string]string{
				"error": apperr.UserMessageOf(callErr),
			})
			return result, callErr

		case callErr != nil:
			// 错误文本回馈给模型，由总结轮自行解释
			e.finishStep(ctx, ec, toolStep, model.StepStatusFailed, map[string]string{
				"error": apperr.UserMessageOf(callErr),
			})
			toolResult = &model.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				IsError:    true,
				Content: []model.ContentPart{{
					Type: "text",
					Text: fmt.Sprintf("tool %s failed: %s", call.Name, apperr.UserMessageOf(callErr)),
				}},
			}

		case toolResult.IsError:
			e.finishStep(ctx, ec, toolStep, model.StepStatusFailed, toolResult)

		default:
			e.finishStep(ctx, ec, toolStep, model.StepStatusCompleted, toolResult)
		}

		result.ToolResults = append(result.ToolResults, *toolResult)
		e.sendAndMirror(ec, &model.StreamEvent{
			Type:       model.EventToolCallResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     toolResult,
		})

		// 工具声明需要用户补充输入：中止执行，由引擎把任务挂起
		if prompt := toolResult.InputPrompt(); prompt != "" {
			return result, apperr.New(apperr.KindTool, apperr.CodeToolInputRequired, prompt)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	// 总结轮：把工具调用与结果拼接进会话，让模型生成最终回答
	summaryMsgs := append([]provider.ChatMessage{}, msgs...)
	if len(result.ToolCalls) > 0 {
		summaryMsgs = append(summaryMsgs, provider.ChatMessage{
			Role:      provider.RoleAssistant,
			ToolCalls: result.ToolCalls,
		})
		for i := range result.ToolResults {
			tr := &result.ToolResults[i]
			summaryMsgs = append(summaryMsgs, provider.ChatMessage{
				Role:       provider.RoleTool,
				ToolCallID: tr.ToolCallID,
				Content:    tr.TextContent(),
			})
		}
	}

	res, err := e.generateWithRetry(ctx, ec, &provider.Request{
		Model:        ec.Agent.Model,
		SystemPrompt: ec.Agent.SystemInstructions,
		Messages:     summaryMsgs,
	})
	result.Text = res.text
	if err != nil {
		return result, err
	}

	completion, stepErr := e.beginStep(ctx, ec, model.StepKindCompletion, nil)
	if stepErr != nil {
		return result, stepErr
	}
	e.finishStep(ctx, ec, completion, model.StepStatusCompleted, map[string]any{
		"chars":      len(res.text),
		"tool_calls": len(result.ToolCalls),
	})
	return result, nil
}

// planWithRetry 生成计划，限流时最多重试一次
func (e *Engine) planWithRetry(ctx context.Context, ec *ExecutionContext, req *provider.Request) (*provider.Plan, error) {
	plan, err := ec.Provider.GeneratePlan(ctx, req)
	var rle *provider.RateLimitError
	if err != nil && errors.As(err, &rle) {
		delay := rle.RetryAfter
		if delay <= 0 {
			delay = defaultRateLimitDelay
		}
		e.logger.WithTaskID(ec.TaskID).Warn("plan generation rate limited, retrying once",
			"delay", delay.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		plan, err = ec.Provider.GeneratePlan(ctx, req)
	}
	return plan, err
}

func toolNames(tools []model.MCPTool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
