package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/models"
)

// ollamaProvider targets a local Ollama server via its generate API.
type ollamaProvider struct {
	endpoint    string
	textModel   string
	visionModel string
	httpClient  *http.Client
}

func newOllamaProvider(cfg config.GatewayConfig) *ollamaProvider {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &ollamaProvider{
		endpoint:    endpoint,
		textModel:   cfg.TextModel,
		visionModel: cfg.VisionModel,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout.D()},
	}
}

type ollamaRequest struct {
	Model   string   `json:"model"`
	System  string   `json:"system,omitempty"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Stream  bool     `json:"stream"`
	Format  string   `json:"format,omitempty"`
	Options struct {
		Temperature float32 `json:"temperature"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (p *ollamaProvider) complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		if len(req.Images) > 0 {
			model = p.visionModel
		} else {
			model = p.textModel
		}
	}

	body := ollamaRequest{
		Model:  model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: false,
	}
	body.Options.Temperature = req.Temperature
	body.Options.NumPredict = req.MaxTokens
	if req.JSONMode {
		body.Format = "json"
	}
	for _, img := range req.Images {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(img))
	}

	reqData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", models.ErrTransientIO, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: ollama returned 429", models.ErrModelThrottled)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: ollama returned %d", models.ErrTransientIO, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, data)
	}

	var out ollamaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return &Response{Text: out.Response}, nil
}
