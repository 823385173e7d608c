package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fallora/internal/config"
	"fallora/internal/errs"
	"fallora/internal/models"
)

func TestSystemPromptAttributes(t *testing.T) {
	if got := SystemPrompt(models.PhysicalAttributes{}); got != basePrompt {
		t.Fatalf("expected bare prompt without attributes")
	}
	got := SystemPrompt(models.PhysicalAttributes{HairColor: "silver", EyeColor: "green"})
	if !strings.Contains(got, "- hair color: silver") || !strings.Contains(got, "- eye color: green") {
		t.Fatalf("attributes missing from prompt: %s", got)
	}
	if strings.Contains(got, "skin color") {
		t.Fatalf("unset attribute included: %s", got)
	}
}

func TestAnalyzeImage(t *testing.T) {
	var got map[string]any
	r := chi.NewRouter()
	r.Post("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","object":"chat.completion","model":"glm-4.5v",
			"choices":[{"index":0,"message":{"role":"assistant","content":" \"ruined temple at dusk, volumetric light\" "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":8,"total_tokens":18}}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, err := NewVisionClient(config.VisionConfig{BaseURL: srv.URL, APIKey: "k", Model: "glm-4.5v"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	prompt, err := c.AnalyzeImage(context.Background(), "http://cdn/ref.png", models.PhysicalAttributes{SkinColor: "tan"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if prompt != "ruined temple at dusk, volumetric light" {
		t.Fatalf("unexpected prompt %q", prompt)
	}

	msgs := got["messages"].([]any)
	system := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "- skin color: tan") {
		t.Fatalf("system prompt missing attribute: %s", system)
	}
	parts := msgs[1].(map[string]any)["content"].([]any)
	img := parts[0].(map[string]any)["image_url"].(map[string]any)
	if img["url"] != "http://cdn/ref.png" {
		t.Fatalf("image url not sent: %v", parts[0])
	}
}

func TestAnalyzeImageAPIError(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid key","type":"auth","code":"401"}}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := NewVisionClient(config.VisionConfig{BaseURL: srv.URL, APIKey: "bad"}, zerolog.Nop())
	_, err := c.AnalyzeImage(context.Background(), "http://cdn/ref.png", models.PhysicalAttributes{})
	if !errs.IsTransport(err) || errs.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 transport error, got %v", err)
	}
}

func TestNewVisionClientRequiresKey(t *testing.T) {
	if _, err := NewVisionClient(config.VisionConfig{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing key error")
	}
}
