// Package provider Anthropic Claude 实现
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agents-exec/internal/config"
	"agents-exec/internal/shared/model"
	"agents-exec/pkg/logging"
)

// defaultAnthropicModel 默认模型
const defaultAnthropicModel = "claude-sonnet-4-5-20250901"

// AnthropicProvider Anthropic Claude 提供商
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *logging.Logger
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider 创建 Anthropic 提供商
func NewAnthropicProvider(cfg config.ProviderKeyConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api_key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	m := cfg.Model
	if m == "" {
		m = defaultAnthropicModel
	}

	return &AnthropicProvider{
		client:    &client,
		model:     m,
		maxTokens: 8192,
		logger:    logging.Default("provider.anthropic"),
	}, nil
}

// Name 提供商标识
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// GenerateStream 流式生成
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req *Request, handler StreamHandler) error {
	params := p.buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	if err := handler(&Chunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	var chunkIndex int
	var inputTokens, outputTokens int
	var stopReason StopReason
	toolCallIDForIndex := map[int64]string{}

	for stream.Next() {
		event := stream.Current()
		chunkIndex++

		if chunk := convertAnthropicEvent(event, chunkIndex, toolCallIDForIndex); chunk != nil {
			if err := handler(chunk); err != nil {
				return err
			}
		}

		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if ev.Message.Usage.InputTokens > 0 {
				inputTokens = int(ev.Message.Usage.InputTokens)
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				outputTokens = int(ev.Usage.OutputTokens)
			}
			if ev.Delta.StopReason != "" {
				stopReason = convertAnthropicStopReason(ev.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		handler(&Chunk{Index: chunkIndex + 1, Type: ChunkTypeError, Text: err.Error(), Timestamp: time.Now()})
		return p.mapError(err)
	}

	if stopReason == "" {
		stopReason = StopReasonEndTurn
	}

	return handler(&Chunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage: &Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
		Timestamp: time.Now(),
	})
}

// GeneratePlan 生成结构化计划
func (p *AnthropicProvider) GeneratePlan(ctx context.Context, req *Request) (*Plan, error) {
	params := p.buildParams(req)
	params.Tools = nil
	params.System = []anthropic.TextBlockParam{{Text: BuildPlanPrompt(req.Tools)}}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	var text string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}
	return ParsePlan(text)
}

// mapError SDK 错误归一化
func (p *AnthropicProvider) mapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return mapStreamError(p.Name(), apierr.StatusCode, parseRetryAfter(apierr.Response), err)
	}
	return mapStreamError(p.Name(), 0, 0, err)
}

// buildParams 构建 Anthropic 请求参数
func (p *AnthropicProvider) buildParams(req *Request) anthropic.MessageNewParams {
	m := req.Model
	if m == "" {
		m = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
		Tools:     convertAnthropicTools(req.Tools),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// convertAnthropicMessages 会话历史转换
func convertAnthropicMessages(messages []ChatMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser, RoleSystem:
			// system 内容在 params.System 中传递；历史中的 system 消息按用户消息处理
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    tc.ID,
							Name:  tc.Name,
							Input: tc.Arguments,
						},
					})
				}
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			} else {
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return result
}

// convertAnthropicTools 工具清单转换
func convertAnthropicTools(tools []model.MCPTool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: buildAnthropicSchema(tool.InputSchema),
			},
		}
	}
	return result
}

func buildAnthropicSchema(params map[string]any) anthropic.ToolInputSchemaParam {
	return anthropic.ToolInputSchemaParam{
		Type:       "object",
		Properties: params["properties"],
		Required:   extractRequiredFields(params),
	}
}

func extractRequiredFields(params map[string]any) []string {
	req, ok := params["required"].([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(req))
	for _, r := range req {
		if s, ok := r.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

// convertAnthropicEvent 流事件转换
func convertAnthropicEvent(event anthropic.MessageStreamEventUnion, index int, toolCallIDForIndex map[int64]string) *Chunk {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return &Chunk{Index: index, Type: ChunkTypeText, Text: delta.Text, Timestamp: time.Now()}
		case anthropic.InputJSONDelta:
			toolID := toolCallIDForIndex[ev.Index]
			if toolID == "" {
				return nil
			}
			return &Chunk{
				Index:     index,
				Type:      ChunkTypeToolDelta,
				ToolCall:  &ToolCallChunk{ID: toolID, ArgumentsDelta: delta.PartialJSON},
				Timestamp: time.Now(),
			}
		}

	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type == "tool_use" {
			tb := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock)
			toolCallIDForIndex[ev.Index] = tb.ID
			return &Chunk{
				Index:     index,
				Type:      ChunkTypeToolStart,
				ToolCall:  &ToolCallChunk{ID: tb.ID, Name: tb.Name},
				Timestamp: time.Now(),
			}
		}

	case anthropic.ContentBlockStopEvent:
		toolID := toolCallIDForIndex[ev.Index]
		if toolID == "" {
			return nil
		}
		return &Chunk{
			Index:     index,
			Type:      ChunkTypeToolEnd,
			ToolCall:  &ToolCallChunk{ID: toolID},
			Timestamp: time.Now(),
		}
	}
	return nil
}

// convertAnthropicStopReason 终止原因转换
func convertAnthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopReasonEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopReasonMaxTokens
	case anthropic.StopReasonToolUse:
		return StopReasonToolUse
	default:
		return StopReasonEndTurn
	}
}
