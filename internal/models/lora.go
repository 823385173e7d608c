package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// LoraKind discriminates the three wire shapes of a LoRA selection.
type LoraKind int

const (
	LoraGeneric LoraKind = iota
	LoraCatalog
	LoraDualSlot
)

// Transformer names a dual-slot position.
type Transformer string

const (
	TransformerLow  Transformer = "low"
	TransformerHigh Transformer = "high"
)

// LoraSpec is one LoRA adapter selection sent with a generation request.
// Weight is ignored for dual-slot specs; CivitaiName and IsStyle only apply to
// catalog specs.
type LoraSpec struct {
	Kind        LoraKind
	Model       string
	Weight      float64
	CivitaiName string
	IsStyle     bool
	Transformer Transformer
}

// GenericLora builds a free-text spec.
func GenericLora(model string, weight float64) LoraSpec {
	return LoraSpec{Kind: LoraGeneric, Model: model, Weight: weight}
}

// CatalogLora builds a curated or style catalog spec. The model is the
// catalog display name; the server resolves it to a download URL.
func CatalogLora(name string, weight float64, style bool) LoraSpec {
	return LoraSpec{Kind: LoraCatalog, Model: name, Weight: weight, CivitaiName: name, IsStyle: style}
}

// DualSlotLora builds a spec for one transformer slot.
func DualSlotLora(model string, t Transformer) LoraSpec {
	return LoraSpec{Kind: LoraDualSlot, Model: model, Transformer: t}
}

type genericWire struct {
	Model     string  `json:"model"`
	Weight    float64 `json:"weight"`
	IsCivitai bool    `json:"is_civitai"`
}

type catalogWire struct {
	Model       string  `json:"model"`
	Weight      float64 `json:"weight"`
	IsCivitai   bool    `json:"is_civitai"`
	CivitaiName string  `json:"civitai_name"`
	IsStyle     bool    `json:"is_style"`
}

type dualSlotWire struct {
	Model       string      `json:"model"`
	Transformer Transformer `json:"transformer"`
}

// MarshalJSON emits the shape matching s.Kind.
func (s LoraSpec) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case LoraDualSlot:
		return json.Marshal(dualSlotWire{Model: s.Model, Transformer: s.Transformer})
	case LoraCatalog:
		return json.Marshal(catalogWire{
			Model:       s.Model,
			Weight:      s.Weight,
			IsCivitai:   true,
			CivitaiName: s.CivitaiName,
			IsStyle:     s.IsStyle,
		})
	case LoraGeneric:
		return json.Marshal(genericWire{Model: s.Model, Weight: s.Weight})
	default:
		return nil, fmt.Errorf("unknown lora kind %d", s.Kind)
	}
}

// UnmarshalJSON infers the kind from the fields present: a transformer means
// dual-slot, is_civitai means catalog, anything else is generic.
func (s *LoraSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model       string      `json:"model"`
		Weight      *float64    `json:"weight"`
		IsCivitai   bool        `json:"is_civitai"`
		CivitaiName string      `json:"civitai_name"`
		IsStyle     bool        `json:"is_style"`
		Transformer Transformer `json:"transformer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	weight := 1.0
	if raw.Weight != nil {
		weight = *raw.Weight
	}
	switch {
	case raw.Transformer != "":
		*s = DualSlotLora(raw.Model, raw.Transformer)
	case raw.IsCivitai:
		name := raw.CivitaiName
		if name == "" {
			name = raw.Model
		}
		*s = LoraSpec{Kind: LoraCatalog, Model: raw.Model, Weight: weight, CivitaiName: name, IsStyle: raw.IsStyle}
	default:
		*s = GenericLora(raw.Model, weight)
	}
	return nil
}

// CatalogResponse is the payload of GET /api/civitai-loras.
type CatalogResponse struct {
	Available        bool              `json:"available"`
	Loras            LoraNames         `json:"loras,omitempty"`
	BaseModelMapping map[string]string `json:"base_model_mapping,omitempty"`
	Category         string            `json:"category,omitempty"`
	BaseModel        string            `json:"base_model,omitempty"`
	Message          string            `json:"message,omitempty"`
}

// LoraNames maps a catalog display name to its model id. The unfiltered
// catalog nests names under their category; those nested groups are skipped.
type LoraNames map[string]string

// UnmarshalJSON keeps only string-valued members.
func (n *LoraNames) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LoraNames, len(raw))
	for name, v := range raw {
		var id string
		if json.Unmarshal(v, &id) == nil {
			out[name] = id
		}
	}
	*n = out
	return nil
}

// Names returns the display names in sorted order.
func (n LoraNames) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
