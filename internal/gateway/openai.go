package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/models"
)

// openaiProvider speaks to any OpenAI-compatible completion API.
type openaiProvider struct {
	client      *openai.Client
	textModel   string
	visionModel string
}

func newOpenAIProvider(cfg config.GatewayConfig) *openaiProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout.D()}
	return &openaiProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		textModel:   cfg.TextModel,
		visionModel: cfg.VisionModel,
	}
}

func (p *openaiProvider) complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		if len(req.Images) > 0 {
			model = p.visionModel
		} else {
			model = p.textModel
		}
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	if len(req.Images) > 0 {
		parts := []openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		}}
		for _, img := range req.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
					Detail: openai.ImageURLDetailHigh,
				},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", models.ErrTransientIO)
	}
	return &Response{Text: resp.Choices[0].Message.Content}, nil
}

// classifyOpenAIError maps API failures onto the shared taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", models.ErrModelThrottled, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", models.ErrTransientIO, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			// Content-policy rejections arrive as 400s.
			return fmt.Errorf("%w: %v", models.ErrModelRejected, err)
		default:
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", models.ErrTransientIO, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrTransientIO, err)
}
