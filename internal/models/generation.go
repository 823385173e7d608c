package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Base model identifiers accepted by the generation API.
const (
	BaseModelFluxLora        = "fal-ai/flux-lora"
	BaseModelFluxKontextLora = "fal-ai/flux-kontext-lora"
	BaseModelWanLora         = "fal-ai/wan/v2.2-a14b/text-to-image/lora"
	BaseModelQwenImage       = "fal-ai/qwen-image"
	BaseModelFluxDepth       = "fal-ai/flux-pro/v1/depth"

	// ControlLoraDepthModel replaces the selected base model whenever a
	// reference image is attached to a request.
	ControlLoraDepthModel = "fal-ai/flux-control-lora-depth"

	// DualSlotBaseModel takes low/high transformer LoRAs instead of weighted entries.
	DualSlotBaseModel = BaseModelWanLora
)

// BaseModels lists the selectable base models in display order.
var BaseModels = []string{
	BaseModelFluxLora,
	BaseModelFluxKontextLora,
	BaseModelWanLora,
	BaseModelQwenImage,
	BaseModelFluxDepth,
}

// Resolutions lists the resolution presets.
var Resolutions = []string{
	"512x512",
	"768x768",
	"1024x1024",
	"1024x768",
	"768x1024",
	"1280x720",
	"720x1280",
}

// DefaultResolution is used when the caller does not pick one.
const DefaultResolution = "1024x1024"

// IsBaseModel reports whether id is a known base model.
func IsBaseModel(id string) bool { return contains(BaseModels, id) }

// IsResolution reports whether r is a known preset.
func IsResolution(r string) bool { return contains(Resolutions, r) }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ParseResolution splits a WIDTHxHEIGHT preset.
func ParseResolution(r string) (width, height int, err error) {
	w, h, ok := strings.Cut(r, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", r)
	}
	if width, err = strconv.Atoi(w); err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q", w)
	}
	if height, err = strconv.Atoi(h); err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q", h)
	}
	return width, height, nil
}

// GenerationRequest is the body of POST /api/generate.
type GenerationRequest struct {
	BaseModel         string     `json:"base_model"`
	Loras             []LoraSpec `json:"loras"`
	Prompt            string     `json:"prompt"`
	Resolution        string     `json:"resolution"`
	Seed              int        `json:"seed"`
	NegativePrompt    string     `json:"negative_prompt,omitempty"`
	ReferenceImageURL string     `json:"reference_image_url,omitempty"`
}

// SubmitResponse is the body returned by POST /api/generate.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// JobState is the lifecycle status reported by GET /api/job/{id}.
type JobState string

const (
	JobPending   JobState = "pending"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobStatusResponse is the body returned by GET /api/job/{id}.
type JobStatusResponse struct {
	Status JobState          `json:"status"`
	Result *GenerationResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// GeneratedImage describes one output image.
type GeneratedImage struct {
	URL         string `json:"url"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// GenerationResult is the payload of a completed job.
type GenerationResult struct {
	Images   []GeneratedImage `json:"images"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// PhysicalAttributes are optional overrides passed to image analysis. Empty
// fields are omitted from the request.
type PhysicalAttributes struct {
	SkinColor string `json:"skin_color,omitempty"`
	HairColor string `json:"hair_color,omitempty"`
	HairStyle string `json:"hair_style,omitempty"`
	EyeColor  string `json:"eye_color,omitempty"`
}

// IsZero reports whether no attribute is set.
func (a PhysicalAttributes) IsZero() bool { return a == PhysicalAttributes{} }

// AnalyzeRequest is the body of POST /api/analyze-image.
type AnalyzeRequest struct {
	ImageURL           string              `json:"image_url"`
	PhysicalAttributes *PhysicalAttributes `json:"physical_attributes,omitempty"`
}

// AnalyzeResponse is the body returned by POST /api/analyze-image.
type AnalyzeResponse struct {
	Success         bool   `json:"success"`
	SuggestedPrompt string `json:"suggested_prompt,omitempty"`
	Error           string `json:"error,omitempty"`
}

// UploadResponse is the body returned by POST /api/upload-reference.
type UploadResponse struct {
	Success  bool   `json:"success"`
	ImageURL string `json:"image_url,omitempty"`
	Error    string `json:"error,omitempty"`
}
