// Package engine analyzes reference images with an OpenAI-compatible vision
// model and turns them into generation prompts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"fallora/internal/config"
	"fallora/internal/errs"
	"fallora/internal/models"
)

const (
	defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"
	defaultModel   = "glm-4.5v"
	defaultTimeout = 120 * time.Second
)

const basePrompt = `You are an expert prompt writer for text-to-image diffusion models.
Describe the scene in the reference image as a single comma-separated prompt:
setting, lighting, camera angle, composition, mood and art style.
The user will place their own character into this scene, so describe any
person only by pose and clothing. Reply with the prompt text only.`

// VisionClient wraps the OpenAI client for vision-capable chat models
type VisionClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      zerolog.Logger
}

// NewVisionClient creates a client from the analyzer settings.
func NewVisionClient(cfg config.VisionConfig, logger zerolog.Logger) (*VisionClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vision analyzer requires an API key")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = defaultBaseURL
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: defaultTimeout}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &VisionClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		logger:      logger,
	}, nil
}

// AnalyzeImage asks the model for a prompt describing the image at imageURL.
// Set attributes override what the model sees.
func (c *VisionClient) AnalyzeImage(ctx context.Context, imageURL string, attrs models.PhysicalAttributes) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(attrs)},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL, Detail: openai.ImageURLDetailAuto}},
					{Type: openai.ChatMessagePartTypeText, Text: "Write the prompt for this reference scene."},
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", errs.Transport(apiErr.HTTPStatusCode, "Analysis failed: "+apiErr.Message)
		}
		return "", errs.Network("Analysis failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.Transport(http.StatusOK, "Analysis failed: no choices returned")
	}

	prompt := cleanPrompt(resp.Choices[0].Message.Content)
	if prompt == "" {
		return "", errs.Transport(http.StatusOK, "Analysis failed: empty response")
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("took", time.Since(start)).
		Msg("image analyzed")
	return prompt, nil
}

// SystemPrompt folds the set attributes into the analysis instructions.
func SystemPrompt(attrs models.PhysicalAttributes) string {
	var overrides []string
	add := func(label, v string) {
		if v != "" {
			overrides = append(overrides, fmt.Sprintf("- %s: %s", label, v))
		}
	}
	add("skin color", attrs.SkinColor)
	add("hair color", attrs.HairColor)
	add("hair style", attrs.HairStyle)
	add("eye color", attrs.EyeColor)

	if len(overrides) == 0 {
		return basePrompt
	}
	return basePrompt + "\n\nThe character must have these physical attributes; include them in the prompt and ignore conflicting details in the image:\n" +
		strings.Join(overrides, "\n")
}

func cleanPrompt(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"`")
	return strings.TrimSpace(s)
}
