package render

import (
	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/template"
)

// ResolveText resolves the text content for a variable slot from a
// recipient record. The second return reports whether the slot should be
// mutated at all: false means the template's authored content is preserved
// (absent phone numbers, image slots, reusable logos).
//
// The switch is exhaustive over the closed VariableType set; an unknown
// type is an error rather than a silently ignored default, so a newly added
// type cannot slip past resolution unhandled.
func ResolveText(vt template.VariableType, r template.Recipient) (string, bool, error) {
	switch vt {
	case template.VarMessage:
		return r.Message, true, nil
	case template.VarRecipientName:
		return r.FullName(), true, nil
	case template.VarRecipientAddress:
		return r.FullAddress(), true, nil
	case template.VarPhoneNumber:
		// Only replace when the recipient supplied a number; otherwise
		// the template's default text stands.
		if !r.HasPhone() {
			return "", false, nil
		}
		return r.Phone, true, nil
	case template.VarQRCode:
		// Image slot: handled by QR swap/generation, not text resolution.
		return "", false, nil
	case template.VarLogo:
		// Reusable brand asset: never personalized.
		return "", false, nil
	}
	return "", false, errors.New(errors.ErrCodeUnsupported, "unhandled variable type %q", vt)
}

// TextMutation is one pending scene-graph text replacement.
type TextMutation struct {
	Index int
	Text  string
}

// ResolveMutations resolves every variable slot of a template against one
// recipient, following the two-pass protocol: all values are resolved
// synchronously first, then applied, then async image swaps are awaited as
// one joined operation. This function is the first pass; it never touches
// the scene.
//
// Reusable entries are skipped regardless of type. Out-of-range mapping
// indices are skipped (recoverable desync, see pkg/template).
func ResolveMutations(tpl *template.Template, r template.Recipient) (texts []TextMutation, qrIndices []int, err error) {
	for _, index := range tpl.VariableIndices() {
		entry := tpl.Map[index]
		if entry.Type == template.VarQRCode {
			qrIndices = append(qrIndices, index)
			continue
		}
		value, replace, rerr := ResolveText(entry.Type, r)
		if rerr != nil {
			return nil, nil, rerr
		}
		if !replace {
			continue
		}
		texts = append(texts, TextMutation{Index: index, Text: value})
	}
	return texts, qrIndices, nil
}
