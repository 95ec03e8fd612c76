// Package provider Google Gemini 实现
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"

	"agents-exec/internal/config"
	"agents-exec/pkg/logging"
)

// defaultGeminiModel 默认模型
const defaultGeminiModel = "gemini-2.5-pro"

// GeminiProvider Google Gemini 提供商
type GeminiProvider struct {
	client    *genai.Client
	model     string
	maxTokens int32
	logger    *logging.Logger
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider 创建 Gemini 提供商
func NewGeminiProvider(ctx context.Context, cfg config.ProviderKeyConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api_key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	m := cfg.Model
	if m == "" {
		m = defaultGeminiModel
	}

	return &GeminiProvider{
		client:    client,
		model:     m,
		maxTokens: 8192,
		logger:    logging.Default("provider.gemini"),
	}, nil
}

// Name 提供商标识
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// GenerateStream 流式生成
//
// Gemini 的函数调用整体到达而非增量：每个 FunctionCall 展开为
// tool_start → tool_delta（完整参数）→ tool_end 三个块，
// 与其他提供商保持一致的块序列。
func (p *GeminiProvider) GenerateStream(ctx context.Context, req *Request, handler StreamHandler) error {
	m := req.Model
	if m == "" {
		m = p.model
	}

	contents, cfg := p.buildRequest(req)

	if err := handler(&Chunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	var chunkIndex int
	var usage Usage
	stopReason := StopReasonEndTurn
	sawToolCall := false

	for resp, err := range p.client.Models.GenerateContentStream(ctx, m, contents, cfg) {
		if err != nil {
			handler(&Chunk{Index: chunkIndex + 1, Type: ChunkTypeError, Text: err.Error(), Timestamp: time.Now()})
			return mapStreamError(p.Name(), 0, 0, err)
		}
		if resp.UsageMetadata != nil {
			usage = Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		candidate := resp.Candidates[0]
		if candidate.FinishReason == genai.FinishReasonMaxTokens {
			stopReason = StopReasonMaxTokens
		}

		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				chunkIndex++
				if err := handler(&Chunk{Index: chunkIndex, Type: ChunkTypeText, Text: part.Text, Timestamp: time.Now()}); err != nil {
					return err
				}
			}
			if part.FunctionCall != nil {
				sawToolCall = true
				if err := p.emitFunctionCall(part.FunctionCall, &chunkIndex, handler); err != nil {
					return err
				}
			}
		}
	}

	if sawToolCall {
		stopReason = StopReasonToolUse
	}

	return handler(&Chunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage:      &usage,
		Timestamp:  time.Now(),
	})
}

// emitFunctionCall 将完整函数调用展开为标准块序列
func (p *GeminiProvider) emitFunctionCall(fc *genai.FunctionCall, chunkIndex *int, handler StreamHandler) error {
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano())
	}
	args, _ := json.Marshal(fc.Args)

	*chunkIndex++
	if err := handler(&Chunk{
		Index:     *chunkIndex,
		Type:      ChunkTypeToolStart,
		ToolCall:  &ToolCallChunk{ID: id, Name: fc.Name},
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	*chunkIndex++
	if err := handler(&Chunk{
		Index:     *chunkIndex,
		Type:      ChunkTypeToolDelta,
		ToolCall:  &ToolCallChunk{ID: id, ArgumentsDelta: string(args)},
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	*chunkIndex++
	return handler(&Chunk{
		Index:     *chunkIndex,
		Type:      ChunkTypeToolEnd,
		ToolCall:  &ToolCallChunk{ID: id},
		Timestamp: time.Now(),
	})
}

// GeneratePlan 生成结构化计划
func (p *GeminiProvider) GeneratePlan(ctx context.Context, req *Request) (*Plan, error) {
	m := req.Model
	if m == "" {
		m = p.model
	}

	planReq := *req
	planReq.SystemPrompt = BuildPlanPrompt(req.Tools)
	planReq.Tools = nil
	contents, cfg := p.buildRequest(&planReq)

	resp, err := p.client.Models.GenerateContent(ctx, m, contents, cfg)
	if err != nil {
		return nil, mapStreamError(p.Name(), 0, 0, err)
	}
	return ParsePlan(resp.Text())
}

// buildRequest 构建 Gemini 请求
func (p *GeminiProvider) buildRequest(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: p.maxTokens,
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: ensureObjectType(tool.InputSchema),
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser, RoleSystem:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case RoleAssistant:
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if len(tc.Arguments) > 0 {
					json.Unmarshal(tc.Arguments, &args)
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolCallID,
						Response: map[string]any{"output": msg.Content},
					},
				}},
			})
		}
	}
	return contents, cfg
}
