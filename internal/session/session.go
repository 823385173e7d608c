// Package session holds the state of one generation form: fields, seed
// widgets, LoRA builder, reference image and busy flag. Generate is the
// submit handler tying them to the orchestrator and history.
package session

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"fallora/internal/errs"
	"fallora/internal/generators"
	"fallora/internal/history"
	"fallora/internal/interfaces"
	"fallora/internal/lora"
	"fallora/internal/models"
	"fallora/internal/reference"
	"fallora/internal/seed"
	"fallora/internal/storage"
)

// NotificationKind tags a user-facing message.
type NotificationKind string

const (
	KindError   NotificationKind = "error"
	KindSuccess NotificationKind = "success"
)

// Notification is a message for the user.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message"`
}

// Notifier receives every notification raised by a session.
type Notifier func(Notification)

// Form holds the free form fields.
type Form struct {
	BaseModel      string `json:"base_model"`
	Prompt         string `json:"prompt"`
	Resolution     string `json:"resolution"`
	Seed           string `json:"seed"`
	NegativePrompt string `json:"negative_prompt"`
}

// Deps are the collaborators shared by sessions.
type Deps struct {
	Orchestrator *generators.Orchestrator
	Catalog      *lora.Catalog
	History      *history.Store
	Uploader     interfaces.ReferenceUploader
	Analyzer     interfaces.ImageAnalyzer
	KV           interfaces.KVStore
	Logger       zerolog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithID fixes the session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithScopedStorage keeps the session's durable state (the reference image
// backup) under its own namespace of the shared store. Servers hosting many
// sessions need it; a single-user CLI can use the bare keys.
func WithScopedStorage() Option {
	return func(s *Session) { s.scoped = true }
}

// WithOnBusy registers a callback invoked when the busy flag changes.
func WithOnBusy(fn func(bool)) Option {
	return func(s *Session) { s.onBusy = fn }
}

// Session is one user's form state. Methods are safe for concurrent use;
// only one Generate runs at a time.
type Session struct {
	id       string
	deps     Deps
	logger   zerolog.Logger
	notifier Notifier
	onBusy   func(bool)
	scoped   bool

	mu    sync.Mutex
	form  Form
	seeds *seed.Inputs
	loras *lora.Builder
	view  lora.View
	ref   *reference.Manager
	busy  *atomic.Bool
}

// New creates a session with the default base model and resolution and a
// random seed. Call SelectBaseModel to load the LoRA catalogs.
func New(deps Deps, opts ...Option) *Session {
	s := &Session{
		id:    uuid.NewString(),
		deps:  deps,
		seeds: seed.NewInputs(),
		loras: lora.NewBuilder(),
		busy:  atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = deps.Logger.With().Str("session", s.id).Logger()
	s.form = Form{
		BaseModel:  models.BaseModels[0],
		Resolution: models.DefaultResolution,
		Seed:       s.seeds.Value(),
	}
	s.view = lora.View{BaseModel: s.form.BaseModel}
	kv := deps.KV
	if s.scoped && kv != nil {
		kv = storage.Namespace(kv, "session:"+s.id)
	}
	s.ref = reference.NewManager(deps.Uploader, deps.Analyzer, kv, s, s.logger)
	return s
}

func (s *Session) ID() string { return s.id }

// Reference exposes the reference image manager.
func (s *Session) Reference() *reference.Manager { return s.ref }

// Busy reports whether a generation is in flight.
func (s *Session) Busy() bool { return s.busy.Load() }

// Form returns a copy of the form fields.
func (s *Session) Form() Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// BaseModel returns the user-selected base model.
func (s *Session) BaseModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form.BaseModel
}

// SelectBaseModel changes the base model and refreshes the catalog pickers.
func (s *Session) SelectBaseModel(ctx context.Context, id string) error {
	if !models.IsBaseModel(id) {
		return errs.Validationf("unknown base model %q", id)
	}
	s.mu.Lock()
	s.form.BaseModel = id
	s.mu.Unlock()
	return s.RefreshCatalog(ctx)
}

// RefreshCatalog reloads the picker options for the current base model.
func (s *Session) RefreshCatalog(ctx context.Context) error {
	if s.deps.Catalog == nil {
		return nil
	}
	base := s.BaseModel()
	view := s.deps.Catalog.Refresh(ctx, base)

	s.mu.Lock()
	defer s.mu.Unlock()
	// A newer selection may have landed while fetching.
	if s.form.BaseModel != base {
		return nil
	}
	s.view = view
	lora.Apply(s.loras, view)
	return nil
}

// CatalogView returns the last applied catalog view.
func (s *Session) CatalogView() lora.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) SetPrompt(p string) {
	s.mu.Lock()
	s.form.Prompt = p
	s.mu.Unlock()
}

func (s *Session) SetNegativePrompt(p string) {
	s.mu.Lock()
	s.form.NegativePrompt = p
	s.mu.Unlock()
}

// SetResolution selects one of the resolution presets.
func (s *Session) SetResolution(r string) error {
	if !models.IsResolution(r) {
		return errs.Validationf("unknown resolution %q", r)
	}
	s.mu.Lock()
	s.form.Resolution = r
	s.mu.Unlock()
	return nil
}

// SetSeedText records raw seed text as typed, without clamping.
func (s *Session) SetSeedText(raw string) {
	s.mu.Lock()
	s.form.Seed = raw
	s.mu.Unlock()
}

// SyncSeed clamps raw into both seed widgets and returns the stored value.
func (s *Session) SyncSeed(raw string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seeds.Sync(raw)
	s.form.Seed = s.seeds.Value()
	return v
}

// RandomizeSeed draws a new seed into both widgets.
func (s *Session) RandomizeSeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seeds.Randomize()
	s.form.Seed = s.seeds.Value()
	return v
}

// Seeds returns the field and slider values.
func (s *Session) Seeds() seed.Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.seeds
}

// LoRAs runs fn with exclusive access to the LoRA builder.
func (s *Session) LoRAs(fn func(b *lora.Builder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.loras)
}

// CommitPicker adds the picker's selection to the LoRA list and notifies.
func (s *Session) CommitPicker(k lora.PickerKind) (lora.EntryDraft, error) {
	s.mu.Lock()
	d, err := s.loras.Commit(k)
	s.mu.Unlock()
	if err != nil {
		s.notify(KindError, err.Error())
		return d, err
	}
	s.notify(KindSuccess, lora.CommitMessage(k, d.Catalog.Name))
	return d, nil
}

// EnableReference turns reference mode on.
func (s *Session) EnableReference(ctx context.Context) (reference.State, error) {
	return s.ref.EnableMode(ctx)
}

// DisableReference turns reference mode off.
func (s *Session) DisableReference() reference.State {
	return s.ref.DisableMode()
}

// UploadReference uploads a reference image and notifies the outcome.
func (s *Session) UploadReference(ctx context.Context, f interfaces.ReferenceFile) (string, error) {
	url, err := s.ref.Upload(ctx, f)
	if err != nil {
		msg := err.Error()
		if errs.IsTransport(err) && !strings.HasPrefix(msg, "Upload failed") {
			msg = "Upload failed: " + msg
		}
		s.notify(KindError, msg)
		return "", err
	}
	s.notify(KindSuccess, "Reference image uploaded successfully")
	return url, nil
}

// RemoveReference forgets the reference image.
func (s *Session) RemoveReference(ctx context.Context) (reference.State, error) {
	return s.ref.Remove(ctx)
}

// AnalyzeReference asks for a suggested prompt and notifies the outcome.
func (s *Session) AnalyzeReference(ctx context.Context) (string, error) {
	prompt, err := s.ref.Analyze(ctx)
	if err != nil {
		if errs.IsValidation(err) {
			s.notify(KindError, err.Error())
		} else {
			s.logger.Warn().Err(err).Msg("image analysis failed")
			s.notify(KindError, "Analysis failed")
		}
		return "", err
	}
	s.notify(KindSuccess, "Image analysis completed")
	return prompt, nil
}

// ApplySuggestedPrompt merges the suggestion into the prompt field.
func (s *Session) ApplySuggestedPrompt(mode reference.ApplyMode) (string, error) {
	s.mu.Lock()
	p, err := s.ref.ApplySuggested(mode, s.form.Prompt)
	if err == nil {
		s.form.Prompt = p
	}
	s.mu.Unlock()

	if err != nil {
		s.notify(KindError, err.Error())
		return "", err
	}
	s.notify(KindSuccess, reference.ApplyMessage(mode))
	return p, nil
}

// Generate validates the form, runs one generation job, records it in the
// history and notifies the outcome. A second call while one is in flight
// fails with a busy error.
func (s *Session) Generate(ctx context.Context) (*models.GenerationResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, errs.Busy()
	}
	s.setBusy(true)
	defer func() {
		s.busy.Store(false)
		s.setBusy(false)
	}()

	s.mu.Lock()
	form := s.form
	loras, err := s.validateLocked(form)
	s.mu.Unlock()
	if err != nil {
		s.notify(KindError, err.Error())
		return nil, err
	}

	seedValue, _ := seed.ParseInt(form.Seed)
	refMode := s.ref.Enabled()
	req := s.deps.Orchestrator.Build(generators.BuildParams{
		BaseModel:      form.BaseModel,
		Loras:          loras,
		Prompt:         form.Prompt,
		Resolution:     form.Resolution,
		Seed:           int(seedValue),
		NegativePrompt: form.NegativePrompt,
		ReferenceURL:   s.ref.ResolveURL(ctx),
		ReferenceMode:  refMode,
	})

	result, err := s.deps.Orchestrator.Generate(ctx, req)
	if err != nil {
		s.notify(KindError, err.Error())
		return nil, err
	}

	if s.deps.History != nil {
		_, herr := s.deps.History.Append(ctx, models.HistoryEntry{
			ImageURL:       result.Images[0].URL,
			BaseModel:      form.BaseModel,
			Loras:          req.Loras,
			Prompt:         req.Prompt,
			Resolution:     req.Resolution,
			Seed:           req.Seed,
			NegativePrompt: req.NegativePrompt,
		})
		if herr != nil {
			s.logger.Warn().Err(herr).Msg("failed to save history entry")
		}
	}

	s.notify(KindSuccess, "Image generated successfully!")
	return result, nil
}

func (s *Session) validateLocked(form Form) ([]models.LoraSpec, error) {
	if strings.TrimSpace(form.BaseModel) == "" || strings.TrimSpace(form.Prompt) == "" {
		return nil, errs.Validation("Please fill in all required fields.")
	}
	loras := s.loras.Build(form.BaseModel)
	if len(loras) == 0 {
		return nil, errs.Validation("Please specify at least one LoRA model.")
	}
	if err := s.loras.CheckUncommitted(loras); err != nil {
		return nil, err
	}
	if !seed.Validate(form.Seed) {
		return nil, errs.Validation("Seed must be an integer between 1 and 2,147,483,638.")
	}
	if !models.IsResolution(form.Resolution) {
		return nil, errs.Validation("Please select a valid resolution.")
	}
	for _, l := range loras {
		if math.IsInf(l.Weight, 0) || math.IsNaN(l.Weight) {
			return nil, errs.Validationf("LoRA weight for %s is out of range.", l.Model)
		}
	}
	return loras, nil
}

func (s *Session) setBusy(b bool) {
	if s.onBusy != nil {
		s.onBusy(b)
	}
}

func (s *Session) notify(kind NotificationKind, msg string) {
	if s.notifier != nil {
		s.notifier(Notification{Kind: kind, Message: msg})
	}
}

// Snapshot is a read-only view of the whole session.
type Snapshot struct {
	ID              string                    `json:"id"`
	Form            Form                      `json:"form"`
	SeedSlider      int                       `json:"seed_slider"`
	Entries         []lora.EntryDraft         `json:"entries"`
	CanRemoveEntry  bool                      `json:"can_remove_entry"`
	LowSlot         string                    `json:"low_slot"`
	HighSlot        string                    `json:"high_slot"`
	Curated         lora.Picker               `json:"curated"`
	Style           lora.Picker               `json:"style"`
	ReferenceState  string                    `json:"reference_state"`
	ReferenceURL    string                    `json:"reference_url,omitempty"`
	SuggestedPrompt string                    `json:"suggested_prompt,omitempty"`
	Attributes      models.PhysicalAttributes `json:"attributes"`
	Busy            bool                      `json:"busy"`
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:             s.id,
		Form:           s.form,
		SeedSlider:     s.seeds.Slider,
		Entries:        s.loras.Entries(),
		CanRemoveEntry: s.loras.CanRemove(),
		Curated:        s.loras.Picker(lora.PickerCurated),
		Style:          s.loras.Picker(lora.PickerStyle),
	}
	snap.LowSlot, snap.HighSlot = s.loras.Slots()
	s.mu.Unlock()

	snap.ReferenceState = s.ref.State().String()
	snap.ReferenceURL = s.ref.URL()
	snap.SuggestedPrompt = s.ref.SuggestedPrompt()
	snap.Attributes = s.ref.Attributes()
	snap.Busy = s.busy.Load()
	return snap
}
