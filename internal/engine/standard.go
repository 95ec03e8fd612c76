package engine

import (
	"context"

	"agents-exec/internal/provider"
	"agents-exec/internal/shared/model"
)

// runStandard 标准策略
//
// 理解步骤 → 无工具流式对话 → 完成步骤，固定一轮迭代。
// 流中途失败时返回已累积的文本，供调用方保留到任务元数据。
func (e *Engine) runStandard(ctx context.Context, ec *ExecutionContext, msgs []provider.ChatMessage) (*ExecutionResult, error) {
	understanding, err := e.beginStep(ctx, ec, model.StepKindUnderstanding, map[string]string{
		"agent": ec.Agent.Name,
	})
	if err != nil {
		return nil, err
	}
	e.finishStep(ctx, ec, understanding, model.StepStatusCompleted, nil)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &provider.Request{
		Model:        ec.Agent.Model,
		SystemPrompt: ec.Agent.SystemInstructions,
		Messages:     msgs,
	}
	res, err := e.generateWithRetry(ctx, ec, req)
	result := &ExecutionResult{Text: res.text, ToolCalls: res.toolCalls, Iterations: 1}
	if err != nil {
		return result, err
	}

	completion, stepErr := e.beginStep(ctx, ec, model.StepKindCompletion, nil)
	if stepErr != nil {
		return result, stepErr
	}
	e.finishStep(ctx, ec, completion, model.StepStatusCompleted, map[string]any{
		"chars": len(res.text),
	})
	return result, nil
}
