package models

// Element kinds accepted by the mutation API.
const (
	KindRaster = "raster"
	KindVector = "vector"
)

// Visibility actions accepted by the toggle operation.
const (
	ActionShow   = "show"
	ActionHide   = "hide"
	ActionToggle = "toggle"
)

// Default view for freshly created sessions (continental US).
var DefaultCenter = [2]float64{-98.5795, 39.8283}

const DefaultZoom = 4.0

// ElementSpec is one named entry on a session's map. Elements are
// replaced wholesale by mutations; Style and Filter are the only fields
// written piecemeal, and always through a dedicated operation.
type ElementSpec struct {
	ID      string           `json:"id"`
	Kind    string           `json:"kind"`
	Source  map[string]any   `json:"source"`
	Layers  []map[string]any `json:"layers"`
	Style   map[string]any   `json:"style"`
	Filter  any              `json:"filter"`
	Visible bool             `json:"visible"`
}

// MapState is the complete, versioned snapshot of one session. It is
// always serialized whole; observers never receive diffs. Order lists
// element ids by insertion so viewers can stack layers deterministically.
type MapState struct {
	Version  int64                  `json:"version"`
	Center   [2]float64             `json:"center"`
	Zoom     float64                `json:"zoom"`
	Order    []string               `json:"order"`
	Elements map[string]ElementSpec `json:"elements"`
}

// DefaultState returns the zero-version state new sessions start from.
func DefaultState() MapState {
	return MapState{
		Version:  0,
		Center:   DefaultCenter,
		Zoom:     DefaultZoom,
		Order:    []string{},
		Elements: map[string]ElementSpec{},
	}
}

// Clone deep-copies the snapshot so mutations never alias stored state.
func (s MapState) Clone() MapState {
	out := s
	// always a non-nil slice so "order" serializes as [], never null
	out.Order = make([]string, len(s.Order))
	copy(out.Order, s.Order)
	out.Elements = make(map[string]ElementSpec, len(s.Elements))
	for id, el := range s.Elements {
		out.Elements[id] = el.clone()
	}
	return out
}

func (e ElementSpec) clone() ElementSpec {
	out := e
	out.Source = cloneMap(e.Source)
	out.Style = cloneMap(e.Style)
	if e.Layers != nil {
		out.Layers = make([]map[string]any, len(e.Layers))
		for i, l := range e.Layers {
			out.Layers[i] = cloneMap(l)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ElementSummary is the condensed per-element view returned by the
// list operation.
type ElementSummary struct {
	Kind           string `json:"kind"`
	Visible        bool   `json:"visible"`
	HasFilter      bool   `json:"has_filter"`
	HasCustomStyle bool   `json:"has_custom_style"`
}

// Summarize condenses the element table for the list operation.
func (s MapState) Summarize() map[string]ElementSummary {
	out := make(map[string]ElementSummary, len(s.Elements))
	for id, el := range s.Elements {
		out[id] = ElementSummary{
			Kind:           el.Kind,
			Visible:        el.Visible,
			HasFilter:      el.Filter != nil,
			HasCustomStyle: len(el.Style) > 0,
		}
	}
	return out
}

// --- HTTP request/response DTOs ---

type AddElementRequest struct {
	ID      string           `json:"id"`
	Kind    string           `json:"kind"`
	Source  map[string]any   `json:"source"`
	Layers  []map[string]any `json:"layers,omitempty"`
	Visible *bool            `json:"visible,omitempty"`
}

type SetViewRequest struct {
	Center *[2]float64 `json:"center"`
	Zoom   *float64    `json:"zoom"`
}

type FilterRequest struct {
	Filter any `json:"filter"`
}

type StyleRequest struct {
	Value any `json:"value"`
}

type VisibilityRequest struct {
	Action string `json:"action"`
}

type ListElementsResponse struct {
	SessionID string                    `json:"session_id"`
	Version   int64                     `json:"version"`
	Elements  map[string]ElementSummary `json:"elements"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
