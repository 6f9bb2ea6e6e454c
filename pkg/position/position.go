// Package position converts template pixel-space geometry into the output
// document's coordinate space.
//
// Templates are authored on a canvas with a top-left origin measured in
// pixels. Print documents use a bottom-left origin measured in points. The
// conversion therefore scales by DPI and flips the vertical axis:
//
//	x = toPt(left)
//	y = toPt(canvasHeight − top − height·scaleY)
//
// Omitting the flip produces correctly sized but vertically mirrored
// output, which is why the round-trip behavior is pinned by tests.
//
// A Manifest is recipient-independent: it is computed once per template and
// reused across every recipient in a batch. Recipient data changes content,
// never position or size.
package position

import (
	"io"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/postalworks/batchpress/pkg/template"
)

// PointsPerInch is the fixed pt/inch ratio of the output space.
const PointsPerInch = 72.0

// Format describes the physical output surface.
type Format struct {
	// WidthPt and HeightPt are the document dimensions in points.
	WidthPt  float64
	HeightPt float64
	// DPI is the pixel density the template was designed at.
	DPI float64
}

// FormatFor derives the physical format implied by a template's pixel
// dimensions at the given density.
func FormatFor(tpl *template.Template, dpi float64) Format {
	return Format{
		WidthPt:  tpl.Width / dpi * PointsPerInch,
		HeightPt: tpl.Height / dpi * PointsPerInch,
		DPI:      dpi,
	}
}

// ToPoints converts a pixel measure to points.
func (f Format) ToPoints(px float64) float64 { return px / f.DPI * PointsPerInch }

// ToPixels converts a point measure back to pixels.
func (f Format) ToPixels(pt float64) float64 { return pt * f.DPI / PointsPerInch }

// TextStyle carries the styling captured for text entries.
type TextStyle struct {
	// FontSizePt is the font size converted to points.
	FontSizePt float64 `json:"fontSizePt"`
	Family     string  `json:"family"`
	Fill       string  `json:"fill"`
	Weight     string  `json:"weight"`
	Align      string  `json:"align"`
}

// Entry is the target-space placement of one variable element.
type Entry struct {
	Index    int                   `json:"index"`
	Type     template.VariableType `json:"type"`
	Reusable bool                  `json:"reusable"`

	// Geometry in points, bottom-left origin.
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	// Text is set for text elements only.
	Text *TextStyle `json:"text,omitempty"`
}

// Manifest is the full set of variable placements for one template on one
// format.
type Manifest struct {
	TemplateID     string  `json:"templateId"`
	Format         Format  `json:"format"`
	CanvasWidthPx  float64 `json:"canvasWidthPx"`
	CanvasHeightPx float64 `json:"canvasHeightPx"`
	Entries        []Entry `json:"entries"`
}

// Lookup returns the entry for a scene-graph index, if present.
func (m Manifest) Lookup(index int) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// Extract computes the position manifest for a template. Elements without a
// mapping entry are static content and are ignored. Mapping indices beyond
// the scene graph's element count are skipped with a warning: the template
// may have been edited after the mapping was captured, and the source
// system treats that desync as recoverable.
func Extract(tpl *template.Template, f Format, logger *log.Logger) Manifest {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	m := Manifest{
		TemplateID:     tpl.ID,
		Format:         f,
		CanvasWidthPx:  tpl.Width,
		CanvasHeightPx: tpl.Height,
	}

	for index, entry := range sortedMapping(tpl.Map) {
		if index < 0 || index >= len(tpl.Scene.Objects) {
			logger.Warn("variable mapping references missing element; skipping",
				"template", tpl.ID, "index", index, "elements", len(tpl.Scene.Objects))
			continue
		}
		el := tpl.Scene.Objects[index]

		w := el.DisplayWidth()
		h := el.DisplayHeight()
		e := Entry{
			Index:    index,
			Type:     entry.Type,
			Reusable: entry.Reusable,
			X:        f.ToPoints(el.Left),
			Y:        f.ToPoints(tpl.Height - el.Top - h),
			Width:    f.ToPoints(w),
			Height:   f.ToPoints(h),
		}
		if el.Kind == template.KindText {
			e.Text = &TextStyle{
				FontSizePt: f.ToPoints(el.FontSize),
				Family:     el.FontFamily,
				Fill:       el.Fill,
				Weight:     el.FontWeight,
				Align:      el.TextAlign,
			}
		}
		m.Entries = append(m.Entries, e)
	}
	return m
}

// sortedMapping yields mapping entries in ascending index order so the
// manifest is deterministic regardless of map iteration order.
func sortedMapping(mapping template.Mapping) func(yield func(int, template.MappingEntry) bool) {
	indices := make([]int, 0, len(mapping))
	for i := range mapping {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return func(yield func(int, template.MappingEntry) bool) {
		for _, i := range indices {
			if !yield(i, mapping[i]) {
				return
			}
		}
	}
}
