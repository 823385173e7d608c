package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fallora/internal/interfaces"
	"fallora/internal/lora"
	"fallora/internal/models"
	"fallora/internal/reference"
)

// FormUpdate changes the listed form fields. Nil fields are left alone.
type FormUpdate struct {
	BaseModel      *string `json:"base_model,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	Resolution     *string `json:"resolution,omitempty"`
	Seed           *string `json:"seed,omitempty"`
	NegativePrompt *string `json:"negative_prompt,omitempty"`
}

type seedRequest struct {
	Value string `json:"value"`
}

type entryRequest struct {
	Model  string `json:"model"`
	Weight string `json:"weight"`
}

type slotsRequest struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

type pickerRequest struct {
	Name   string `json:"name"`
	Weight string `json:"weight"`
}

type modeRequest struct {
	Enabled bool `json:"enabled"`
}

type applyRequest struct {
	Mode reference.ApplyMode `json:"mode"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.newSession(r.Context())
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, ok := h.sessions.Get(id)
	h.sessions.Delete(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateForm applies field edits. Changing the base model refreshes the
// catalog pickers.
func (h *Handlers) UpdateForm(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req FormUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.BaseModel != nil && *req.BaseModel != s.BaseModel() {
		if err := s.SelectBaseModel(r.Context(), *req.BaseModel); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if req.Resolution != nil {
		if err := s.SetResolution(*req.Resolution); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if req.Prompt != nil {
		s.SetPrompt(*req.Prompt)
	}
	if req.NegativePrompt != nil {
		s.SetNegativePrompt(*req.NegativePrompt)
	}
	if req.Seed != nil {
		s.SetSeedText(*req.Seed)
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) SyncSeed(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req seedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.SyncSeed(req.Value)
	writeJSON(w, http.StatusOK, s.Seeds())
}

func (h *Handlers) RandomizeSeed(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	s.RandomizeSeed()
	writeJSON(w, http.StatusOK, s.Seeds())
}

func (h *Handlers) AppendLora(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var entry lora.EntryDraft
	_ = s.LoRAs(func(b *lora.Builder) error {
		entry = b.AppendEntry()
		return nil
	})
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handlers) UpdateLora(w http.ResponseWriter, r *http.Request) {
	h.editLoras(w, r, func(b *lora.Builder, id string, req entryRequest) error {
		return b.UpdateEntry(id, req.Model, req.Weight)
	})
}

func (h *Handlers) RemoveLora(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "entry")
	if err := s.LoRAs(func(b *lora.Builder) error { return b.RemoveEntry(id) }); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) editLoras(w http.ResponseWriter, r *http.Request, fn func(*lora.Builder, string, entryRequest) error) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req entryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "entry")
	if err := s.LoRAs(func(b *lora.Builder) error { return fn(b, id, req) }); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) SetSlots(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req slotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.LoRAs(func(b *lora.Builder) error {
		if err := b.SetSlot(models.TransformerLow, req.Low); err != nil {
			return err
		}
		return b.SetSlot(models.TransformerHigh, req.High)
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) SelectPicker(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	kind, err := lora.ParsePickerKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	var req pickerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.LoRAs(func(b *lora.Builder) error { return b.Select(kind, req.Name, req.Weight) }); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) CommitPicker(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	kind, err := lora.ParsePickerKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	entry, err := s.CommitPicker(kind)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handlers) SetReferenceMode(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled {
		if _, err := s.EnableReference(r.Context()); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	} else {
		s.DisableReference()
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// UploadReference accepts a multipart upload in the reference_image field.
func (h *Handlers) UploadReference(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, reference.MaxUploadBytes+maxBodyBytes)
	file, hdr, err := r.FormFile("reference_image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image file must be less than 10MB")
			return
		}
		writeError(w, http.StatusBadRequest, "No reference_image file provided")
		return
	}
	defer file.Close()

	url, err := s.UploadReference(r.Context(), interfaces.ReferenceFile{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        hdr.Size,
		Body:        file,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image_url": url})
}

func (h *Handlers) RemoveReference(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	if _, err := s.RemoveReference(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) SetAttributes(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var attrs models.PhysicalAttributes
	if !decodeJSON(w, r, &attrs) {
		return
	}
	s.Reference().SetAttributes(attrs)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) AnalyzeReference(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	prompt, err := s.AnalyzeReference(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "suggested_prompt": prompt})
}

func (h *Handlers) ApplySuggested(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, err := s.ApplySuggestedPrompt(req.Mode)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

// Generate runs one generation for the session and waits for the result.
// Disconnecting cancels the poll loop.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	result, err := s.Generate(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
