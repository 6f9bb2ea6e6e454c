package cluster

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// fakePage records mutations and fails any SetText whose value contains
// "boom", which lets tests target individual recipients for failure.
type fakePage struct {
	delay  time.Duration // fixed sleep per SetText
	jitter time.Duration // random extra sleep per SetText

	mu     sync.Mutex
	loads  int
	texts  map[int]string
	closed bool
}

func (p *fakePage) LoadScene(_ context.Context, scene template.SceneGraph) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	p.texts = make(map[int]string)
	for i, el := range scene.Objects {
		p.texts[i] = el.Text
	}
	return nil
}

func (p *fakePage) StripVariables(context.Context, []int) error { return nil }

func (p *fakePage) SetText(_ context.Context, index int, text string) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(p.jitter))))
	}
	if strings.Contains(text, "boom") {
		return errors.New(errors.ErrCodeRenderScript, "script rejected text")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts[index] = text
	return nil
}

func (p *fakePage) SwapImage(context.Context, int, string) error { return nil }
func (p *fakePage) Settle(context.Context) error                 { return nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []byte("png:" + p.texts[0]), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeFactory struct {
	delay  time.Duration
	jitter time.Duration

	mu       sync.Mutex
	failures int // initial NewPage calls that fail
	created  []*fakePage
	closed   bool
}

func (f *fakeFactory) NewPage(context.Context, int, int) (engine.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New(errors.ErrCodeEngineStart, "spawn failed")
	}
	p := &fakePage{delay: f.delay, jitter: f.jitter}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testTemplate() *template.Template {
	return &template.Template{
		ID:     "tpl-postcard",
		Width:  800,
		Height: 1200,
		Scene: template.SceneGraph{Objects: []template.Element{
			{Kind: template.KindText, Text: "Dear neighbor", Left: 40, Top: 60, Width: 300, Height: 48},
		}},
		Map: template.Mapping{0: {Type: template.VarRecipientName}},
	}
}

func rcpt(name string) template.Recipient {
	return template.Recipient{FirstName: name}
}

func TestRenderPartialFailure(t *testing.T) {
	f := &fakeFactory{}
	r, err := New(f, render.Options{Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}

	recipients := []template.Recipient{rcpt("Ada"), rcpt("boom"), rcpt("Grace"), rcpt("Lin")}

	var mu sync.Mutex
	calls, maxDone, unitFails := 0, 0, 0
	progress := func(p render.Progress) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if p.Processed > maxDone {
			maxDone = p.Processed
		}
		if !p.UnitOK {
			unitFails++
		}
		if p.Total != 4 {
			t.Errorf("progress total = %d, want 4", p.Total)
		}
	}

	res, err := r.Render(context.Background(), testTemplate(), recipients, progress)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if res.Success() != 3 || res.Failed() != 1 {
		t.Fatalf("success=%d failed=%d, want 3/1", res.Success(), res.Failed())
	}
	if res.Errors[1] == nil {
		t.Error("failing recipient not recorded at its original index")
	}
	if got := string(res.Images[0]); got != "png:Ada" {
		t.Errorf("Images[0] = %q", got)
	}
	if calls != 4 || maxDone != 4 {
		t.Errorf("progress calls=%d maxDone=%d, want 4/4", calls, maxDone)
	}
	if unitFails != 1 {
		t.Errorf("callbacks reporting a failed unit = %d, want 1", unitFails)
	}
}

func TestWorkerRecoveryAfterFailure(t *testing.T) {
	f := &fakeFactory{}
	r, err := New(f, render.Options{Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Render(context.Background(), testTemplate(),
		[]template.Recipient{rcpt("boom"), rcpt("Ada")}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if got := string(res.Images[1]); got != "png:Ada" {
		t.Errorf("Images[1] = %q", got)
	}
	// The scene must be reloaded after the failed mutation so the next
	// recipient never sees half-mutated state.
	if len(f.created) != 1 {
		t.Fatalf("pages created = %d, want 1", len(f.created))
	}
	if f.created[0].loads != 2 {
		t.Errorf("scene loads = %d, want 2 (initial + recovery)", f.created[0].loads)
	}
}

func TestRenderAllFailedEscalates(t *testing.T) {
	f := &fakeFactory{}
	r, err := New(f, render.Options{Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Render(context.Background(), testTemplate(),
		[]template.Recipient{rcpt("boom"), rcpt("boom"), rcpt("boom")}, nil)
	if !errors.Is(err, errors.ErrCodeAllFailed) {
		t.Fatalf("err = %v, want %s", err, errors.ErrCodeAllFailed)
	}
	if res == nil || res.Failed() != 3 {
		t.Fatalf("result = %+v, want 3 recorded failures", res)
	}
}

func TestRenderResultsKeyedByIndexUnderConcurrency(t *testing.T) {
	names := []string{"Ada", "Grace", "Lin", "Mae", "Ken", "Iris", "Tom", "Noa", "Raj", "Ewa", "Sol", "Kim"}
	recipients := make([]template.Recipient, len(names))
	for i, n := range names {
		recipients[i] = rcpt(n)
	}

	f := &fakeFactory{jitter: 3 * time.Millisecond}
	r, err := New(f, render.Options{Concurrency: 3})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Render(context.Background(), testTemplate(), recipients, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i, n := range names {
		if got := string(res.Images[i]); got != "png:"+n {
			t.Errorf("Images[%d] = %q, want %q", i, got, "png:"+n)
		}
	}
}

func TestPoolCapacityReduction(t *testing.T) {
	f := &fakeFactory{failures: 2}
	r, err := New(f, render.Options{Concurrency: 3})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Render(context.Background(), testTemplate(),
		[]template.Recipient{rcpt("Ada"), rcpt("Grace"), rcpt("Lin"), rcpt("Mae")}, nil)
	if err != nil {
		t.Fatalf("Render with reduced capacity: %v", err)
	}
	if res.Success() != 4 {
		t.Errorf("success = %d, want 4", res.Success())
	}
	if len(f.created) != 1 {
		t.Errorf("pages created = %d, want 1 surviving worker", len(f.created))
	}
}

func TestPoolNoWorkersIsHardError(t *testing.T) {
	f := &fakeFactory{failures: 3}
	r, err := New(f, render.Options{Concurrency: 3})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Render(context.Background(), testTemplate(),
		[]template.Recipient{rcpt("Ada")}, nil)
	if !errors.Is(err, errors.ErrCodeEngineStart) {
		t.Fatalf("err = %v, want %s", err, errors.ErrCodeEngineStart)
	}
}

func TestAcquireTimeoutFailsTask(t *testing.T) {
	// One worker held for far longer than the acquire timeout: the second
	// task of the chunk must give up instead of waiting indefinitely.
	f := &fakeFactory{delay: 150 * time.Millisecond}
	r, err := New(f, render.Options{Concurrency: 1, AcquireTimeout: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Render(context.Background(), testTemplate(),
		[]template.Recipient{rcpt("Ada"), rcpt("Grace")}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Success() != 1 || res.Failed() != 1 {
		t.Fatalf("success=%d failed=%d, want 1/1", res.Success(), res.Failed())
	}
	for _, taskErr := range res.Errors {
		if !errors.Is(taskErr, errors.ErrCodeWorkerUnavailable) {
			t.Errorf("task err = %v, want %s", taskErr, errors.ErrCodeWorkerUnavailable)
		}
	}
}

func TestRenderCancelledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recipients := make([]template.Recipient, 6)
	for i := range recipients {
		recipients[i] = rcpt("R")
	}

	f := &fakeFactory{}
	r, err := New(f, render.Options{Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel once the first chunk (2 tasks at concurrency 1) has drained.
	progress := func(p render.Progress) {
		if p.Processed == 2 {
			cancel()
		}
	}

	res, err := r.Render(ctx, testTemplate(), recipients, progress)
	if !errors.Is(err, errors.ErrCodeCancelled) {
		t.Fatalf("err = %v, want %s", err, errors.ErrCodeCancelled)
	}
	if res.Success() != 2 {
		t.Errorf("success = %d, want the drained chunk only", res.Success())
	}
}

func TestCloseClosesFactory(t *testing.T) {
	f := &fakeFactory{}
	r, err := New(f, render.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !f.closed {
		t.Error("factory not closed")
	}
}
