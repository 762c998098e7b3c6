package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

// Request is one completion call. Stages shape it per their needs; the
// gateway only cares about transport, retry and provider selection.
type Request struct {
	System      string
	Prompt      string
	Images      [][]byte // JPEG-encoded page images for vision calls
	Model       string   // empty selects the provider default per modality
	Temperature float32
	MaxTokens   int
	JSONMode    bool // request a single JSON object as output
}

// Response carries the completion text.
type Response struct {
	Text string
}

// Gateway is the uniform interface to a text- or vision-capable
// completion service.
type Gateway interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// provider performs a single completion attempt. Implementations map
// transport failures onto the shared error taxonomy so the retry loop
// and the worker pool can classify them.
type provider interface {
	complete(ctx context.Context, req *Request) (*Response, error)
}

// Client wraps a provider with retry/backoff and refusal detection.
type Client struct {
	provider provider
	retry    retryPolicy
	logger   logger.Logger
}

// New builds the configured provider behind a retrying client.
func New(cfg config.GatewayConfig, log logger.Logger) (*Client, error) {
	var p provider
	switch cfg.Provider {
	case "openai":
		p = newOpenAIProvider(cfg)
	case "ollama":
		p = newOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported gateway provider: %s", cfg.Provider)
	}
	return &Client{
		provider: p,
		retry: retryPolicy{
			maxRetries:     cfg.MaxRetries,
			initialBackoff: cfg.InitialBackoff.D(),
			maxBackoff:     cfg.MaxBackoff.D(),
		},
		logger: log.Named("gateway"),
	}, nil
}

func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.withRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if isRefusal(resp.Text) {
		return nil, fmt.Errorf("%w: %s", models.ErrModelRejected, firstLine(resp.Text))
	}
	return resp, nil
}

// refusalPhrases flags answers where the model declined instead of
// producing output. Such responses are not retried.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}

// TrimFences strips markdown code fences the model may wrap its output
// in, so downstream parsing sees clean content.
func TrimFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
