package render

import (
	"context"

	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// ApplyRecipient personalizes a live scene for one recipient: resolve all
// values synchronously, apply all text mutations, then queue QR swaps and
// join them once before the caller screenshots.
//
// Slots whose resolution declines replacement (absent phone numbers) are
// reset to the template's authored text. A pooled page carries the previous
// recipient's content, so "preserve the default" must be an explicit write,
// not a skipped one.
func ApplyRecipient(ctx context.Context, page engine.Page, tpl *template.Template, r template.Recipient) error {
	texts, qrIndices, err := resolveWithDefaults(tpl, r)
	if err != nil {
		return err
	}

	for _, m := range texts {
		if err := page.SetText(ctx, m.Index, m.Text); err != nil {
			return err
		}
	}

	for _, index := range qrIndices {
		el := tpl.Scene.Objects[index]
		src, err := QRDataURL(r.QRPayload, int(el.DisplayWidth()))
		if err != nil {
			return err
		}
		if err := page.SwapImage(ctx, index, src); err != nil {
			return err
		}
	}

	return page.Settle(ctx)
}

// SubstituteScene returns a copy of the template's scene graph with one
// recipient's values substituted in place, for strategies that load a fully
// personalized scene instead of mutating a live one. Geometry is untouched.
func SubstituteScene(tpl *template.Template, r template.Recipient) (template.SceneGraph, error) {
	texts, qrIndices, err := resolveWithDefaults(tpl, r)
	if err != nil {
		return template.SceneGraph{}, err
	}

	objects := make([]template.Element, len(tpl.Scene.Objects))
	copy(objects, tpl.Scene.Objects)

	for _, m := range texts {
		objects[m.Index].Text = m.Text
	}
	for _, index := range qrIndices {
		src, err := QRDataURL(r.QRPayload, int(objects[index].DisplayWidth()))
		if err != nil {
			return template.SceneGraph{}, err
		}
		objects[index].Src = src
	}
	return template.SceneGraph{Objects: objects}, nil
}

// resolveWithDefaults resolves every text slot to either the recipient's
// value or the template's authored default, and collects QR slot indices.
func resolveWithDefaults(tpl *template.Template, r template.Recipient) ([]TextMutation, []int, error) {
	var texts []TextMutation
	var qrIndices []int

	for _, index := range tpl.VariableIndices() {
		entry := tpl.Map[index]
		if entry.Type == template.VarQRCode {
			qrIndices = append(qrIndices, index)
			continue
		}
		el := tpl.Scene.Objects[index]
		if el.Kind != template.KindText {
			continue
		}
		value, replace, err := ResolveText(entry.Type, r)
		if err != nil {
			return nil, nil, err
		}
		if !replace {
			value = el.Text
		}
		texts = append(texts, TextMutation{Index: index, Text: value})
	}
	return texts, qrIndices, nil
}
