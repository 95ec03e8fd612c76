// Package provider OpenAI 实现（Responses API）
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"agents-exec/internal/config"
	"agents-exec/internal/shared/model"
	"agents-exec/pkg/logging"
)

// defaultOpenAIModel 默认模型
const defaultOpenAIModel = "gpt-5.2-codex"

// OpenAIProvider OpenAI 提供商
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *logging.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider 创建 OpenAI 提供商
func NewOpenAIProvider(cfg config.ProviderKeyConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api_key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	m := cfg.Model
	if m == "" {
		m = defaultOpenAIModel
	}

	return &OpenAIProvider{
		client:    &client,
		model:     m,
		maxTokens: 8192,
		logger:    logging.Default("provider.openai"),
	}, nil
}

// Name 提供商标识
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// GenerateStream 流式生成
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req *Request, handler StreamHandler) error {
	params := p.buildParams(req)
	stream := p.client.Responses.NewStreaming(ctx, params)

	if err := handler(&Chunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	var chunkIndex int
	toolCallBuilders := make(map[string]*ToolCallChunk)
	var stopReason StopReason
	var usage *Usage

	for stream.Next() {
		event := stream.Current()
		chunkIndex++

		switch ev := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta == "" {
				continue
			}
			if err := handler(&Chunk{Index: chunkIndex, Type: ChunkTypeText, Text: ev.Delta, Timestamp: time.Now()}); err != nil {
				return err
			}

		case responses.ResponseOutputItemAddedEvent:
			if ev.Item.Type != "function_call" {
				continue
			}
			toolCall := &ToolCallChunk{ID: ev.Item.ID, Name: ev.Item.Name}
			toolCallBuilders[ev.Item.ID] = toolCall
			if err := handler(&Chunk{Index: chunkIndex, Type: ChunkTypeToolStart, ToolCall: toolCall, Timestamp: time.Now()}); err != nil {
				return err
			}

		case responses.ResponseFunctionCallArgumentsDeltaEvent:
			if _, exists := toolCallBuilders[ev.ItemID]; !exists {
				toolCall := &ToolCallChunk{ID: ev.ItemID}
				toolCallBuilders[ev.ItemID] = toolCall
				if err := handler(&Chunk{Index: chunkIndex, Type: ChunkTypeToolStart, ToolCall: toolCall, Timestamp: time.Now()}); err != nil {
					return err
				}
			}
			if ev.Delta != "" {
				if err := handler(&Chunk{
					Index:     chunkIndex,
					Type:      ChunkTypeToolDelta,
					ToolCall:  &ToolCallChunk{ID: ev.ItemID, ArgumentsDelta: ev.Delta},
					Timestamp: time.Now(),
				}); err != nil {
					return err
				}
			}

		case responses.ResponseFunctionCallArgumentsDoneEvent:
			if err := handler(&Chunk{
				Index:     chunkIndex,
				Type:      ChunkTypeToolEnd,
				ToolCall:  &ToolCallChunk{ID: ev.ItemID},
				Timestamp: time.Now(),
			}); err != nil {
				return err
			}

		case responses.ResponseCompletedEvent:
			u := convertOpenAIUsage(ev.Response)
			usage = &u
			if len(toolCallBuilders) > 0 {
				stopReason = StopReasonToolUse
			} else {
				stopReason = StopReasonEndTurn
			}

		case responses.ResponseIncompleteEvent:
			u := convertOpenAIUsage(ev.Response)
			usage = &u
			if ev.Response.IncompleteDetails.Reason == "max_output_tokens" {
				stopReason = StopReasonMaxTokens
			} else {
				stopReason = StopReasonEndTurn
			}

		case responses.ResponseErrorEvent:
			handler(&Chunk{Index: chunkIndex, Type: ChunkTypeError, Text: ev.Message, Timestamp: time.Now()})
			return mapStreamError(p.Name(), 0, 0, fmt.Errorf("openai stream: %s", ev.Message))
		}
	}

	if err := stream.Err(); err != nil {
		handler(&Chunk{Index: chunkIndex + 1, Type: ChunkTypeError, Text: err.Error(), Timestamp: time.Now()})
		return p.mapError(err)
	}

	if usage == nil {
		usage = &Usage{}
	}
	if stopReason == "" {
		stopReason = StopReasonEndTurn
	}

	return handler(&Chunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage:      usage,
		Timestamp:  time.Now(),
	})
}

// GeneratePlan 生成结构化计划
func (p *OpenAIProvider) GeneratePlan(ctx context.Context, req *Request) (*Plan, error) {
	planReq := *req
	planReq.SystemPrompt = BuildPlanPrompt(req.Tools)
	planReq.Tools = nil

	params := p.buildParams(&planReq)
	result, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	return ParsePlan(result.OutputText())
}

// mapError SDK 错误归一化
func (p *OpenAIProvider) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return mapStreamError(p.Name(), apierr.StatusCode, parseRetryAfter(apierr.Response), err)
	}
	return mapStreamError(p.Name(), 0, 0, err)
}

// buildParams 构建 Responses API 请求参数
func (p *OpenAIProvider) buildParams(req *Request) responses.ResponseNewParams {
	m := req.Model
	if m == "" {
		m = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(m),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: convertOpenAIMessages(req.Messages, req.SystemPrompt),
		},
		MaxOutputTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertOpenAITools(req.Tools)
	}
	return params
}

// convertOpenAIMessages 会话历史转换
func convertOpenAIMessages(messages []ChatMessage, systemPrompt string) responses.ResponseInputParam {
	result := make(responses.ResponseInputParam, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, responses.ResponseInputItemParamOfMessage(systemPrompt, responses.EasyInputMessageRoleSystem))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleSystem))
		case RoleUser:
			result = append(result, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
		case RoleAssistant:
			result = append(result, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
		case RoleTool:
			result = append(result, responses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolCallID, msg.Content))
		}
	}
	return result
}

// convertOpenAITools 工具清单转换
func convertOpenAITools(tools []model.MCPTool) []responses.ToolUnionParam {
	result := make([]responses.ToolUnionParam, len(tools))
	for i, tool := range tools {
		result[i] = responses.ToolParamOfFunction(tool.Name, ensureObjectType(tool.InputSchema), true)
		if tool.Description != "" {
			function := result[i].OfFunction
			function.Description = openai.String(tool.Description)
			result[i].OfFunction = function
		}
	}
	return result
}

// ensureObjectType JSON Schema 顶层必须是 object
func ensureObjectType(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{"type": "object"}
	}
	if _, hasType := params["type"]; !hasType {
		params["type"] = "object"
	}
	return params
}

// convertOpenAIUsage token 用量转换
func convertOpenAIUsage(result responses.Response) Usage {
	return Usage{
		InputTokens:  int(result.Usage.InputTokens),
		OutputTokens: int(result.Usage.OutputTokens),
		TotalTokens:  int(result.Usage.TotalTokens),
	}
}
