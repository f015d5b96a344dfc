package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	orig := DefaultState()
	orig.Order = []string{"a"}
	orig.Elements["a"] = ElementSpec{
		ID:     "a",
		Kind:   KindVector,
		Source: map[string]any{"url": "https://tiles.example/a"},
		Style:  map[string]any{"fill-color": "#fff"},
	}

	cp := orig.Clone()
	el := cp.Elements["a"]
	el.Source["url"] = "mutated"
	el.Style["fill-color"] = "#000"
	cp.Elements["a"] = el
	cp.Order[0] = "b"
	delete(cp.Elements, "a")

	assert.Equal(t, "https://tiles.example/a", orig.Elements["a"].Source["url"])
	assert.Equal(t, "#fff", orig.Elements["a"].Style["fill-color"])
	assert.Equal(t, []string{"a"}, orig.Order)
	assert.Contains(t, orig.Elements, "a")
}

func TestCloneKeepsEmptyOrderSlice(t *testing.T) {
	cp := DefaultState().Clone()
	require.NotNil(t, cp.Order)

	payload, err := json.Marshal(cp)
	require.NoError(t, err)
	// an empty session must serialize order as [], not null
	assert.Contains(t, string(payload), `"order":[]`)
}

func TestSnapshotWireShape(t *testing.T) {
	s := DefaultState()
	s.Version = 3
	s.Order = append(s.Order, "base")
	s.Elements["base"] = ElementSpec{ID: "base", Kind: KindRaster, Source: map[string]any{"type": "raster"}, Visible: true}

	payload, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, float64(3), decoded["version"])
	assert.Len(t, decoded["center"], 2)
	assert.Equal(t, float64(DefaultZoom), decoded["zoom"])

	elements := decoded["elements"].(map[string]any)
	base := elements["base"].(map[string]any)
	assert.Equal(t, "raster", base["kind"])
	assert.Equal(t, true, base["visible"])
	assert.Nil(t, base["filter"])
}

func TestSummarize(t *testing.T) {
	s := DefaultState()
	s.Elements["plain"] = ElementSpec{ID: "plain", Kind: KindRaster, Visible: true}
	s.Elements["styled"] = ElementSpec{
		ID: "styled", Kind: KindVector, Visible: false,
		Filter: []any{"==", "a", "b"},
		Style:  map[string]any{"fill-color": "#fff"},
	}

	sum := s.Summarize()
	require.Len(t, sum, 2)
	assert.Equal(t, ElementSummary{Kind: KindRaster, Visible: true}, sum["plain"])
	assert.Equal(t, ElementSummary{Kind: KindVector, Visible: false, HasFilter: true, HasCustomStyle: true}, sum["styled"])
}
