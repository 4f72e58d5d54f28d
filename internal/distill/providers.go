package distill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/stellarlinkco/moond/internal/config"
)

const (
	synthMaxTokens  = 4096
	synthTimeout    = 45 * time.Second
	synthMaxRetries = 3
)

// NewSynthesiser builds the configured provider client. API keys come
// from the environment; the local provider needs none.
func NewSynthesiser(cfg config.SynthesisConfig) (Synthesiser, error) {
	switch cfg.Provider {
	case "local", "":
		return &LocalSynthesiser{}, nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("openai synthesiser: OPENAI_API_KEY is not set")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4.1-mini"
		}
		return &OpenAISynthesiser{client: openai.NewClient(openaioption.WithAPIKey(key)), model: model}, nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("anthropic synthesiser: ANTHROPIC_API_KEY is not set")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return &AnthropicSynthesiser{client: anthropic.NewClient(anthropicoption.WithAPIKey(key)), model: model}, nil
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("gemini synthesiser: GEMINI_API_KEY is not set")
		}
		model := cfg.Model
		if model == "" {
			model = "gemini-2.5-flash-lite"
		}
		return &GeminiSynthesiser{apiKey: key, model: model, httpClient: &http.Client{Timeout: synthTimeout}}, nil
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Provider)
	}
}

// withRetry wraps a provider call in exponential backoff; transient
// provider hiccups should not cost a whole cycle.
func withRetry(ctx context.Context, op func() (string, error)) (string, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(synthMaxRetries),
	)
}

// LocalSynthesiser is the zero-cost provider: a deterministic
// concatenation of the prompt's bullet lines, no network.
type LocalSynthesiser struct{}

func (s *LocalSynthesiser) Name() string { return "local" }

func (s *LocalSynthesiser) Synthesise(_ context.Context, _ string, prompt string) (string, error) {
	var b strings.Builder
	b.WriteString("# Memory\n\n")
	last := ""
	count := 0
	for _, raw := range strings.Split(prompt, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "#") {
			continue
		}
		if line == last {
			continue
		}
		last = line
		b.WriteString(line + "\n")
		count++
		if count >= 200 {
			break
		}
	}
	return b.String(), nil
}

type OpenAISynthesiser struct {
	client openai.Client
	model  string
}

func (s *OpenAISynthesiser) Name() string { return "openai" }

func (s *OpenAISynthesiser) Synthesise(ctx context.Context, system, prompt string) (string, error) {
	return withRetry(ctx, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, synthTimeout)
		defer cancel()
		resp, err := s.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(s.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(prompt),
			},
			MaxCompletionTokens: openai.Int(synthMaxTokens),
			Temperature:         openai.Float(0.2),
		})
		if err != nil {
			return "", fmt.Errorf("openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(fmt.Errorf("openai completion: empty choices"))
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return "", backoff.Permanent(fmt.Errorf("openai completion: empty content"))
		}
		return content, nil
	})
}

type AnthropicSynthesiser struct {
	client anthropic.Client
	model  string
}

func (s *AnthropicSynthesiser) Name() string { return "anthropic" }

func (s *AnthropicSynthesiser) Synthesise(ctx context.Context, system, prompt string) (string, error) {
	return withRetry(ctx, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, synthTimeout)
		defer cancel()
		msg, err := s.client.Messages.New(callCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(s.model),
			MaxTokens: synthMaxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("anthropic message: %w", err)
		}
		var b strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		content := strings.TrimSpace(b.String())
		if content == "" {
			return "", backoff.Permanent(fmt.Errorf("anthropic message: empty content"))
		}
		return content, nil
	})
}

// GeminiSynthesiser talks to the generativelanguage REST endpoint
// directly; there is no first-party Go SDK in our dependency set.
type GeminiSynthesiser struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

func (s *GeminiSynthesiser) Name() string { return "gemini" }

func (s *GeminiSynthesiser) Synthesise(ctx context.Context, system, prompt string) (string, error) {
	return withRetry(ctx, func() (string, error) {
		payload := map[string]any{
			"system_instruction": map[string]any{
				"parts": []map[string]string{{"text": system}},
			},
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": prompt}}},
			},
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("marshal gemini payload: %w", err))
		}

		url := fmt.Sprintf(
			"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s",
			s.model, s.apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("build gemini request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("gemini request: %w", err)
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("read gemini response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("gemini http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return "", backoff.Permanent(err)
			}
			return "", err
		}

		var decoded struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode gemini response: %w", err))
		}
		var b strings.Builder
		for _, cand := range decoded.Candidates {
			for _, part := range cand.Content.Parts {
				b.WriteString(part.Text)
			}
		}
		content := strings.TrimSpace(b.String())
		if content == "" {
			return "", backoff.Permanent(fmt.Errorf("gemini response missing text content"))
		}
		return content, nil
	})
}
