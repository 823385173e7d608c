// Package reference manages the optional reference image: upload, analysis
// into a suggested prompt, removal, and the reference mode toggle that
// switches generation to the depth control model.
package reference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fallora/internal/errs"
	"fallora/internal/interfaces"
	"fallora/internal/models"
)

const (
	// StorageKey is the durable store key backing up the uploaded image URL.
	StorageKey = "falLoRA_referenceImageUrl"

	// MaxUploadBytes is the largest accepted reference image.
	MaxUploadBytes = 10 << 20
)

// State is the derived reference mode state.
type State int

const (
	Disabled State = iota
	EnabledNoImage
	EnabledWithImage
)

func (s State) String() string {
	switch s {
	case EnabledNoImage:
		return "enabled_no_image"
	case EnabledWithImage:
		return "enabled_with_image"
	default:
		return "disabled"
	}
}

// ApplyMode selects how a suggested prompt is merged into the main prompt.
type ApplyMode string

const (
	ApplyReplace ApplyMode = "replace"
	ApplyAppend  ApplyMode = "append"
)

// ModelSelector owns the base model selection. Selecting a model refreshes
// whatever depends on it.
type ModelSelector interface {
	BaseModel() string
	SelectBaseModel(ctx context.Context, id string) error
}

// Manager holds one session's reference image state.
type Manager struct {
	uploader interfaces.ReferenceUploader
	analyzer interfaces.ImageAnalyzer
	kv       interfaces.KVStore
	selector ModelSelector
	logger   zerolog.Logger

	mu        sync.Mutex
	url       string
	enabled   bool
	suggested string
	attrs     models.PhysicalAttributes
}

// NewManager wires a manager. selector may be nil when nothing reacts to
// base model changes.
func NewManager(uploader interfaces.ReferenceUploader, analyzer interfaces.ImageAnalyzer, kv interfaces.KVStore, selector ModelSelector, logger zerolog.Logger) *Manager {
	return &Manager{
		uploader: uploader,
		analyzer: analyzer,
		kv:       kv,
		selector: selector,
		logger:   logger,
	}
}

// State derives the current state from the mode flag and the in-memory URL.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case !m.enabled:
		return Disabled
	case m.url == "":
		return EnabledNoImage
	default:
		return EnabledWithImage
	}
}

// Enabled reports whether reference mode is on.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// URL returns the in-memory image URL.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// SuggestedPrompt returns the last analysis result.
func (m *Manager) SuggestedPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suggested
}

// Attributes returns the physical attribute overrides.
func (m *Manager) Attributes() models.PhysicalAttributes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attrs
}

// SetAttributes replaces the physical attribute overrides used by Analyze.
func (m *Manager) SetAttributes(a models.PhysicalAttributes) {
	m.mu.Lock()
	m.attrs = a
	m.mu.Unlock()
}

// EnableMode turns reference mode on. Without a known image the base model
// is switched to the depth model unless it is already selected.
func (m *Manager) EnableMode(ctx context.Context) (State, error) {
	m.mu.Lock()
	m.enabled = true
	hasImage := m.url != ""
	m.mu.Unlock()

	if !hasImage && m.selector != nil && m.selector.BaseModel() != models.BaseModelFluxDepth {
		if err := m.selector.SelectBaseModel(ctx, models.BaseModelFluxDepth); err != nil {
			return m.State(), fmt.Errorf("select depth model: %w", err)
		}
	}
	return m.State(), nil
}

// DisableMode turns reference mode off. A known image is kept but will not
// be sent.
func (m *Manager) DisableMode() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	return m.stateLocked()
}

// Upload validates file, uploads it, records the returned URL in memory and
// in the durable store, and turns reference mode on.
func (m *Manager) Upload(ctx context.Context, file interfaces.ReferenceFile) (string, error) {
	if !strings.HasPrefix(strings.ToLower(file.ContentType), "image/") {
		return "", errs.Validation("Please select an image file")
	}
	if file.Size > MaxUploadBytes {
		return "", errs.Validation("Image file must be less than 10MB")
	}
	if file.Size <= 0 {
		// Unknown size: buffer up to the limit so nothing oversized is sent.
		data, err := io.ReadAll(io.LimitReader(file.Body, MaxUploadBytes+1))
		if err != nil {
			return "", fmt.Errorf("read reference image: %w", err)
		}
		if len(data) > MaxUploadBytes {
			return "", errs.Validation("Image file must be less than 10MB")
		}
		file.Size = int64(len(data))
		file.Body = bytes.NewReader(data)
	}

	url, err := m.uploader.UploadReference(ctx, file)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.url = url
	m.enabled = true
	m.mu.Unlock()

	if err := m.kv.Set(ctx, StorageKey, url); err != nil {
		m.logger.Warn().Err(err).Msg("failed to back up reference image url")
	}
	m.logger.Info().Str("url", url).Int64("size", file.Size).Msg("reference image uploaded")
	return url, nil
}

// Remove forgets the image, its durable backup, the suggested prompt and
// the attribute overrides.
func (m *Manager) Remove(ctx context.Context) (State, error) {
	m.mu.Lock()
	m.url = ""
	m.suggested = ""
	m.attrs = models.PhysicalAttributes{}
	st := m.stateLocked()
	m.mu.Unlock()

	if err := m.kv.Delete(ctx, StorageKey); err != nil {
		return st, fmt.Errorf("delete reference image backup: %w", err)
	}
	return st, nil
}

// Analyze asks the analyzer for a prompt describing the current image and
// stores it as the suggestion. The main prompt is not touched.
func (m *Manager) Analyze(ctx context.Context) (string, error) {
	m.mu.Lock()
	url, attrs := m.url, m.attrs
	m.mu.Unlock()

	if url == "" {
		return "", errs.Validation("Please upload a reference image first")
	}
	if m.analyzer == nil {
		return "", errs.Validation("Image analysis is not configured")
	}

	prompt, err := m.analyzer.AnalyzeImage(ctx, url, attrs)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.suggested = prompt
	m.mu.Unlock()
	return prompt, nil
}

// ApplySuggested merges the suggestion into current and returns the new
// prompt text.
func (m *Manager) ApplySuggested(mode ApplyMode, current string) (string, error) {
	m.mu.Lock()
	suggested := m.suggested
	m.mu.Unlock()

	switch mode {
	case ApplyReplace:
		if suggested == "" {
			return "", errs.Validation("No AI analysis available to use")
		}
		return suggested, nil
	case ApplyAppend:
		if suggested == "" {
			return "", errs.Validation("No AI analysis available to append")
		}
		if cur := strings.TrimSpace(current); cur != "" {
			return cur + ", " + suggested, nil
		}
		return suggested, nil
	default:
		return "", errs.Validationf("unknown apply mode %q", mode)
	}
}

// ApplyMessage is the confirmation shown after ApplySuggested.
func ApplyMessage(mode ApplyMode) string {
	if mode == ApplyAppend {
		return "AI prompt appended"
	}
	return "AI prompt applied"
}

// ResolveURL returns the image URL to send. When reference mode is on and
// the in-memory URL is missing, the durable backup is read once.
func (m *Manager) ResolveURL(ctx context.Context) string {
	m.mu.Lock()
	url, enabled := m.url, m.enabled
	m.mu.Unlock()

	if !enabled || url != "" {
		return url
	}

	stored, ok, err := m.kv.Get(ctx, StorageKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to read reference image backup")
		return ""
	}
	if !ok || stored == "" {
		return ""
	}

	m.logger.Debug().Str("url", stored).Msg("recovered reference image url")
	m.mu.Lock()
	if m.url == "" {
		m.url = stored
	}
	url = m.url
	m.mu.Unlock()
	return url
}
