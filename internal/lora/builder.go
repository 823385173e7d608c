// Package lora turns the editable LoRA form state into the ordered list of
// LoRA selections sent with a generation request.
package lora

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fallora/internal/errs"
	"fallora/internal/models"
)

// DefaultWeight is used when a weight field cannot be parsed.
const DefaultWeight = 1.0

// CatalogRef marks an entry committed from one of the catalog pickers.
type CatalogRef struct {
	Name  string `json:"name"`
	Style bool   `json:"style"`
}

// EntryDraft is one row of the LoRA list. Model and Weight hold the raw text
// the user typed; Catalog is set for rows added through a picker.
type EntryDraft struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Weight  string      `json:"weight"`
	Catalog *CatalogRef `json:"catalog,omitempty"`
}

// PickerKind selects one of the two catalog pickers.
type PickerKind int

const (
	PickerCurated PickerKind = iota
	PickerStyle
)

func (k PickerKind) String() string {
	if k == PickerStyle {
		return "style"
	}
	return "curated"
}

// ParsePickerKind maps "curated"/"civitai" and "style" to a PickerKind.
func ParsePickerKind(s string) (PickerKind, error) {
	switch strings.ToLower(s) {
	case "curated", "civitai", "flux":
		return PickerCurated, nil
	case "style":
		return PickerStyle, nil
	}
	return 0, errs.Validationf("unknown catalog picker %q", s)
}

// Picker is the state of one catalog dropdown with its weight field.
type Picker struct {
	Available bool     `json:"available"`
	Options   []string `json:"options"`
	Selected  string   `json:"selected"`
	Weight    string   `json:"weight"`
}

func (p *Picker) reset() {
	p.Selected = ""
	p.Weight = "1.00"
}

// Builder owns the LoRA entry list, the dual-slot fields and the catalog
// pickers. It is not safe for concurrent use.
type Builder struct {
	entries []EntryDraft
	low     string
	high    string
	pickers [2]Picker
}

// NewBuilder creates a builder holding a single blank entry.
func NewBuilder() *Builder {
	b := &Builder{}
	b.pickers[PickerCurated].reset()
	b.pickers[PickerStyle].reset()
	b.AppendEntry()
	return b
}

// Entries returns a copy of the entry list.
func (b *Builder) Entries() []EntryDraft {
	out := make([]EntryDraft, len(b.entries))
	copy(out, b.entries)
	return out
}

// AppendEntry adds a blank free-text entry and returns it.
func (b *Builder) AppendEntry() EntryDraft {
	return b.AddEntry(EntryDraft{Weight: "1.00"})
}

// AddEntry appends d, assigning an id when it has none.
func (b *Builder) AddEntry(d EntryDraft) EntryDraft {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	b.entries = append(b.entries, d)
	return d
}

// UpdateEntry replaces the model and weight text of entry id. Catalog rows
// keep their model name; only the weight is editable.
func (b *Builder) UpdateEntry(id, model, weight string) error {
	i := b.index(id)
	if i < 0 {
		return errs.Validationf("LoRA entry %s not found", id)
	}
	if b.entries[i].Catalog == nil {
		b.entries[i].Model = model
	}
	b.entries[i].Weight = weight
	return nil
}

// RemoveEntry deletes entry id.
func (b *Builder) RemoveEntry(id string) error {
	i := b.index(id)
	if i < 0 {
		return errs.Validationf("LoRA entry %s not found", id)
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return nil
}

// CanRemove reports whether the remove control is shown, which is whenever
// more than one entry exists.
func (b *Builder) CanRemove() bool { return len(b.entries) > 1 }

func (b *Builder) index(id string) int {
	for i, e := range b.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// SetSlot sets the dual-slot model for transformer t.
func (b *Builder) SetSlot(t models.Transformer, model string) error {
	switch t {
	case models.TransformerLow:
		b.low = model
	case models.TransformerHigh:
		b.high = model
	default:
		return errs.Validationf("unknown transformer slot %q", t)
	}
	return nil
}

// Slots returns the raw low and high slot values.
func (b *Builder) Slots() (low, high string) { return b.low, b.high }

// Picker returns a copy of the picker state.
func (b *Builder) Picker(k PickerKind) Picker {
	p := b.pickers[k]
	p.Options = append([]string(nil), p.Options...)
	return p
}

// SetOptions makes picker k available with the given options, or hides it
// when options is empty. Hiding resets the selection.
func (b *Builder) SetOptions(k PickerKind, options []string) {
	p := &b.pickers[k]
	if len(options) == 0 {
		p.Available = false
		p.Options = nil
		p.reset()
		return
	}
	p.Available = true
	p.Options = append([]string(nil), options...)
	if p.Selected != "" && !containsString(p.Options, p.Selected) {
		p.reset()
	}
}

// Select records a dropdown choice and its weight text. An empty name clears
// the selection.
func (b *Builder) Select(k PickerKind, name, weight string) error {
	p := &b.pickers[k]
	if name == "" {
		p.reset()
		return nil
	}
	if !p.Available {
		return errs.Validationf("%s LoRA catalog is not available", k)
	}
	if !containsString(p.Options, name) {
		return errs.Validationf("%q is not in the %s LoRA catalog", name, k)
	}
	p.Selected = name
	if weight != "" {
		p.Weight = weight
	}
	return nil
}

// Commit appends the picker's selection to the entry list and resets the
// picker. It returns the new entry.
func (b *Builder) Commit(k PickerKind) (EntryDraft, error) {
	p := &b.pickers[k]
	if p.Selected == "" {
		if k == PickerStyle {
			return EntryDraft{}, errs.Validation("Please select a Style LoRA first.")
		}
		return EntryDraft{}, errs.Validation("Please select a Civitai LoRA first.")
	}
	w := ParseWeight(p.Weight)
	d := b.AddEntry(EntryDraft{
		Model:   p.Selected,
		Weight:  strconv.FormatFloat(w, 'f', 2, 64),
		Catalog: &CatalogRef{Name: p.Selected, Style: k == PickerStyle},
	})
	p.reset()
	return d, nil
}

// CommitMessage is the confirmation shown after a successful Commit.
func CommitMessage(k PickerKind, name string) string {
	if k == PickerStyle {
		return "Added Style LoRA: " + name
	}
	return "Added Civitai LoRA: " + name
}

// Build produces the LoRA list for baseModel. The dual-slot model reads the
// low and high slots and ignores weights; every other model walks the entry
// list in order, dropping blank free-text rows.
func (b *Builder) Build(baseModel string) []models.LoraSpec {
	loras := []models.LoraSpec{}
	if baseModel == models.DualSlotBaseModel {
		if low := strings.TrimSpace(b.low); low != "" {
			loras = append(loras, models.DualSlotLora(low, models.TransformerLow))
		}
		if high := strings.TrimSpace(b.high); high != "" {
			loras = append(loras, models.DualSlotLora(high, models.TransformerHigh))
		}
		return loras
	}

	for _, e := range b.entries {
		w := RoundWeight(ParseWeight(e.Weight))
		if e.Catalog != nil {
			loras = append(loras, models.CatalogLora(e.Catalog.Name, w, e.Catalog.Style))
			continue
		}
		if model := strings.TrimSpace(e.Model); model != "" {
			loras = append(loras, models.GenericLora(model, w))
		}
	}
	return loras
}

// CheckUncommitted fails when an available picker holds a selection that has
// no matching catalog entry in loras. The curated picker is checked first.
func (b *Builder) CheckUncommitted(loras []models.LoraSpec) error {
	if p := b.pickers[PickerCurated]; p.Available && p.Selected != "" && !hasCatalog(loras, p.Selected, false) {
		return errs.Validation(fmt.Sprintf(
			"You have selected %q in the Civitai LoRAs dropdown but haven't added it to your LoRA list. Did you mean to include this LoRA?",
			p.Selected))
	}
	if p := b.pickers[PickerStyle]; p.Available && p.Selected != "" && !hasCatalog(loras, p.Selected, true) {
		return errs.Validation(fmt.Sprintf(
			"You have selected %q in the Style LoRAs dropdown but haven't added it to your LoRA list. Did you mean to include this style LoRA?",
			p.Selected))
	}
	return nil
}

func hasCatalog(loras []models.LoraSpec, name string, style bool) bool {
	for _, l := range loras {
		if l.Kind == models.LoraCatalog && l.CivitaiName == name && l.IsStyle == style {
			return true
		}
	}
	return false
}

// ParseWeight reads the leading decimal number of raw. Unparseable input
// yields DefaultWeight. An explicit zero is kept as 0 rather than being
// promoted to DefaultWeight the way the browser form did.
func ParseWeight(raw string) float64 {
	s := strings.TrimSpace(raw)
	end := floatPrefix(s)
	if end == 0 {
		return DefaultWeight
	}
	w, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || math.IsNaN(w) {
		return DefaultWeight
	}
	return w
}

// floatPrefix returns the length of the longest decimal literal at the start
// of s: sign, digits, fraction and exponent.
func floatPrefix(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	mantissa := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		mantissa++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			mantissa++
		}
	}
	if mantissa == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		if k > j {
			i = k
		}
	}
	return i
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// RoundWeight rounds half up to two decimals. Out-of-range weights are not
// clamped.
func RoundWeight(w float64) float64 {
	return math.Floor(w*100+0.5) / 100
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
