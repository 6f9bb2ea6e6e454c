// Package template defines the design-template model consumed by the
// rendering core: a scene graph of positioned elements plus a sparse
// variable mapping marking which elements are personalizable.
//
// The scene graph and the variable mapping are stored as two separate
// documents joined by array index, because the canvas engine that authors
// templates does not reliably preserve custom per-element metadata through
// its own serialization. Out-of-range mapping indices are therefore a
// recoverable inconsistency, not a hard error: templates edited after the
// mapping was captured may reference elements that no longer exist.
package template

import (
	"encoding/json"
	"fmt"
)

// ElementKind distinguishes the two element types a scene graph can hold.
type ElementKind string

const (
	KindText  ElementKind = "text"
	KindImage ElementKind = "image"
)

// Element is one positioned visual object in a scene graph.
// Geometry is in template pixel space with a top-left origin.
type Element struct {
	Kind ElementKind `json:"kind"`

	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	ScaleX float64 `json:"scaleX,omitempty"`
	ScaleY float64 `json:"scaleY,omitempty"`

	// Text styling (text elements only).
	Text       string  `json:"text,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`
	Fill       string  `json:"fill,omitempty"`
	FontWeight string  `json:"fontWeight,omitempty"`
	TextAlign  string  `json:"textAlign,omitempty"`

	// Image source (image elements only).
	Src           string  `json:"src,omitempty"`
	NaturalWidth  float64 `json:"naturalWidth,omitempty"`
	NaturalHeight float64 `json:"naturalHeight,omitempty"`
}

// DisplayWidth returns the element's rendered width in template pixels.
func (e Element) DisplayWidth() float64 { return e.Width * e.scaleX() }

// DisplayHeight returns the element's rendered height in template pixels.
func (e Element) DisplayHeight() float64 { return e.Height * e.scaleY() }

func (e Element) scaleX() float64 {
	if e.ScaleX == 0 {
		return 1
	}
	return e.ScaleX
}

func (e Element) scaleY() float64 {
	if e.ScaleY == 0 {
		return 1
	}
	return e.ScaleY
}

// SceneGraph is the ordered element list forming a template's design.
type SceneGraph struct {
	Objects []Element `json:"objects"`
}

// MappingEntry marks one scene-graph element as personalizable.
type MappingEntry struct {
	Type     VariableType `json:"variableType"`
	Reusable bool         `json:"isReusable"`
}

// Mapping is the sparse index → metadata table. Indices refer to positions
// in SceneGraph.Objects at the time the template was saved.
type Mapping map[int]MappingEntry

// Template is a saved design: identity, pixel dimensions, scene graph and
// variable mapping. Templates are read-only to the rendering core.
type Template struct {
	ID     string     `json:"id"`
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Scene  SceneGraph `json:"scene"`
	Map    Mapping    `json:"variableMap"`
}

// Parse decodes a template from its stored JSON form.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("parse template: invalid canvas dimensions %gx%g", t.Width, t.Height)
	}
	return &t, nil
}

// Marshal encodes the template to its stored JSON form.
func (t *Template) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Variable reports whether the element at index i is a mapped,
// non-reusable variable slot.
func (t *Template) Variable(i int) bool {
	entry, ok := t.Map[i]
	return ok && !entry.Reusable
}

// VariableIndices returns the indices of all mapped, non-reusable elements
// that fall within the scene graph's bounds, in ascending order.
func (t *Template) VariableIndices() []int {
	var out []int
	for i := range t.Scene.Objects {
		if t.Variable(i) {
			out = append(out, i)
		}
	}
	return out
}

// StrippedScene returns a copy of the scene graph with all variable content
// removed: variable text elements are emptied and variable images have their
// source cleared. Reusable and unmapped elements are untouched. The stripped
// scene is what the base-document renderer materializes and what the cache
// key is computed from, so that recipient data can never perturb the cache.
func (t *Template) StrippedScene() SceneGraph {
	objects := make([]Element, len(t.Scene.Objects))
	copy(objects, t.Scene.Objects)
	for i := range objects {
		if !t.Variable(i) {
			continue
		}
		switch objects[i].Kind {
		case KindText:
			objects[i].Text = ""
		case KindImage:
			objects[i].Src = ""
		}
	}
	return SceneGraph{Objects: objects}
}
