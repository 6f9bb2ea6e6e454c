package render

import (
	"context"
	"strings"
	"testing"

	"github.com/postalworks/batchpress/pkg/template"
)

// fakePage records harness calls in order.
type fakePage struct {
	calls    []string
	settled  int
	scene    template.SceneGraph
	texts    map[int]string
	failText bool
}

func newFakePage() *fakePage { return &fakePage{texts: map[int]string{}} }

func (p *fakePage) LoadScene(_ context.Context, s template.SceneGraph) error {
	p.calls = append(p.calls, "load")
	p.scene = s
	return nil
}

func (p *fakePage) StripVariables(_ context.Context, indices []int) error {
	p.calls = append(p.calls, "strip")
	return nil
}

func (p *fakePage) SetText(_ context.Context, index int, text string) error {
	if p.failText {
		return context.DeadlineExceeded
	}
	p.calls = append(p.calls, "text")
	p.texts[index] = text
	return nil
}

func (p *fakePage) SwapImage(_ context.Context, index int, src string) error {
	p.calls = append(p.calls, "swap")
	return nil
}

func (p *fakePage) Settle(_ context.Context) error {
	p.calls = append(p.calls, "settle")
	p.settled++
	return nil
}

func (p *fakePage) Screenshot(_ context.Context) ([]byte, error) {
	p.calls = append(p.calls, "shot")
	return []byte("png"), nil
}

func (p *fakePage) Close() error { return nil }

func mutateTemplate() *template.Template {
	return &template.Template{
		ID: "t", Width: 400, Height: 600,
		Scene: template.SceneGraph{Objects: []template.Element{
			{Kind: template.KindText, Text: "Hello"},
			{Kind: template.KindText, Text: "Call 555-HOME"},
			{Kind: template.KindImage, Width: 150, Height: 150, Src: "qr.png"},
			{Kind: template.KindImage, Src: "logo.png"},
		}},
		Map: template.Mapping{
			0: {Type: template.VarRecipientName},
			1: {Type: template.VarPhoneNumber},
			2: {Type: template.VarQRCode},
			3: {Type: template.VarLogo, Reusable: true},
		},
	}
}

func TestApplyRecipientOrderAndJoin(t *testing.T) {
	page := newFakePage()
	r := template.Recipient{FirstName: "Jane", LastName: "Doe", Phone: "555-0134", QRPayload: "https://t.example/r/1"}

	if err := ApplyRecipient(context.Background(), page, mutateTemplate(), r); err != nil {
		t.Fatalf("ApplyRecipient: %v", err)
	}

	// All text mutations land before any swap, and exactly one settle
	// joins the async loads at the end.
	got := strings.Join(page.calls, ",")
	if got != "text,text,swap,settle" {
		t.Errorf("call order = %s", got)
	}
	if page.texts[0] != "Jane Doe" || page.texts[1] != "555-0134" {
		t.Errorf("texts = %v", page.texts)
	}
}

func TestApplyRecipientRestoresDefaults(t *testing.T) {
	page := newFakePage()
	// No phone: the authored template text must be written back, because a
	// pooled page still holds the previous recipient's phone number.
	r := template.Recipient{FirstName: "Sam", QRPayload: "https://t.example/r/2"}

	if err := ApplyRecipient(context.Background(), page, mutateTemplate(), r); err != nil {
		t.Fatalf("ApplyRecipient: %v", err)
	}
	if page.texts[1] != "Call 555-HOME" {
		t.Errorf("phone slot = %q, want template default", page.texts[1])
	}
}

func TestApplyRecipientBadQRPayload(t *testing.T) {
	page := newFakePage()
	r := template.Recipient{FirstName: "Sam"} // empty QR payload

	if err := ApplyRecipient(context.Background(), page, mutateTemplate(), r); err == nil {
		t.Fatal("expected error for empty QR payload")
	}
}

func TestSubstituteScene(t *testing.T) {
	tpl := mutateTemplate()
	r := template.Recipient{FirstName: "Jane", LastName: "Doe", QRPayload: "https://t.example/r/3"}

	scene, err := SubstituteScene(tpl, r)
	if err != nil {
		t.Fatalf("SubstituteScene: %v", err)
	}
	if scene.Objects[0].Text != "Jane Doe" {
		t.Errorf("name slot = %q", scene.Objects[0].Text)
	}
	if scene.Objects[1].Text != "Call 555-HOME" {
		t.Errorf("phone slot = %q, want template default", scene.Objects[1].Text)
	}
	if !strings.HasPrefix(scene.Objects[2].Src, "data:image/png;base64,") {
		t.Error("QR slot not substituted with data URL")
	}
	if scene.Objects[3].Src != "logo.png" {
		t.Error("reusable logo must not change")
	}
	// Source template untouched.
	if tpl.Scene.Objects[0].Text != "Hello" {
		t.Error("SubstituteScene mutated the template")
	}
	// Geometry untouched.
	if scene.Objects[2].Width != 150 || scene.Objects[2].Height != 150 {
		t.Error("substitution changed geometry")
	}
}
