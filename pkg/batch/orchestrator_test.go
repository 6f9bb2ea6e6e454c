package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/position"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/store"
	"github.com/postalworks/batchpress/pkg/template"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeRenderer completes every recipient except those in failIdx, driving
// the progress callback the way the real strategies do. With reorder set,
// callbacks are delivered newest snapshot first, the interleaving a pool
// worker racing past a sibling produces.
type fakeRenderer struct {
	raster    []byte
	rasterFor map[int][]byte // per-index raster override
	failIdx   map[int]bool
	blockCtx  bool // wait for cancellation instead of rendering
	panicking bool
	reorder   bool
}

func (f *fakeRenderer) Render(ctx context.Context, _ *template.Template, recipients []template.Recipient, progress render.ProgressFunc) (*render.Result, error) {
	if f.panicking {
		panic("renderer exploded")
	}
	res := render.NewResult()
	if f.blockCtx {
		<-ctx.Done()
		return res, errors.Wrap(errors.ErrCodeCancelled, ctx.Err(), "batch render interrupted")
	}
	var snapshots []render.Progress
	for i := range recipients {
		ok := !f.failIdx[i]
		if !ok {
			res.Errors[i] = errors.New(errors.ErrCodeRenderTimeout, "recipient timed out")
		} else if override, exists := f.rasterFor[i]; exists {
			res.Images[i] = override
		} else {
			res.Images[i] = f.raster
		}
		snapshots = append(snapshots, render.Progress{
			Index:     i,
			UnitOK:    ok,
			Processed: i + 1,
			Total:     len(recipients),
			Success:   res.Success(),
			Failed:    res.Failed(),
		})
	}
	if f.reorder {
		for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
			snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
		}
	}
	if progress != nil {
		for _, p := range snapshots {
			progress(p)
		}
	}
	if err := res.ErrAllFailed(len(recipients)); err != nil {
		return res, err
	}
	return res, nil
}

func (f *fakeRenderer) Close() error { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	urls []string
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, url string, payload Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.sent = append(n.sent, payload)
	return nil
}

func testTemplate() *template.Template {
	return &template.Template{
		ID:     "tpl-1",
		Width:  1200,
		Height: 1800,
		Scene: template.SceneGraph{Objects: []template.Element{
			{Kind: template.KindText, Text: "Dear neighbor", Width: 300, Height: 60},
		}},
		Map: template.Mapping{0: {Type: template.VarRecipientName}},
	}
}

func testSource() TemplateSource {
	return TemplateSourceFunc(func(_ context.Context, id string) (*template.Template, error) {
		if id != "tpl-1" {
			return nil, errors.New(errors.ErrCodeTemplateNotFound, "template %s not found", id)
		}
		return testTemplate(), nil
	})
}

func testTask(recipients ...template.Recipient) *Task {
	return &Task{
		JobID:      "job-1",
		CampaignID: "camp-9",
		TemplateID: "tpl-1",
		Recipients: recipients,
		WebhookURL: "https://hooks.example/done",
	}
}

func newOrchestrator(t *testing.T, s store.Store, r render.BatchRenderer, n Notifier) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Store:      s,
		Templates:  testSource(),
		Renderer:   r,
		Notifier:   n,
		OutputDir:  t.TempDir(),
		CancelPoll: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRunCompletesJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	o := newOrchestrator(t, s, &fakeRenderer{raster: pngBytes(t)}, notifier)

	task := testTask(
		template.Recipient{FirstName: "Ada", LastName: "Lovelace", TrackingID: "t-0"},
		template.Recipient{FirstName: "Grace", TrackingID: "t-1"},
		template.Recipient{FirstName: "Lin"},
	)
	if err := o.Run(ctx, task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Processed != 3 || job.Succeeded != 3 || job.Failed != 0 {
		t.Errorf("counters = %d/%d/%d, want 3/3/0", job.Processed, job.Succeeded, job.Failed)
	}
	if job.CampaignID != "camp-9" {
		t.Errorf("campaign = %q, want carried from task", job.CampaignID)
	}
	if job.ArtifactPath == "" {
		t.Fatal("artifact path not set")
	}

	zr, err := zip.OpenReader(job.ArtifactPath)
	if err != nil {
		t.Fatalf("archive unreadable: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 3 {
		t.Fatalf("archive entries = %d, want 3", len(zr.File))
	}
	if got := zr.File[0].Name; got != "ada_lovelace_t-0_0000.pdf" {
		t.Errorf("first entry = %q", got)
	}

	rows, err := s.ListRecipients(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	for i, row := range rows {
		if row.Status != store.RecipientRendered {
			t.Errorf("row %d status = %s, want rendered", i, row.Status)
		}
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	n := notifier.sent[0]
	if n.Status != string(store.JobCompleted) || n.Succeeded != 3 || n.Artifact == "" {
		t.Errorf("notification = %+v", n)
	}
	if notifier.urls[0] != task.WebhookURL {
		t.Errorf("webhook url = %q", notifier.urls[0])
	}
}

func TestRunPartialFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{
		raster:  pngBytes(t),
		failIdx: map[int]bool{1: true},
	}, &recordingNotifier{})

	task := testTask(
		template.Recipient{FirstName: "Ada"},
		template.Recipient{FirstName: "Grace"},
		template.Recipient{FirstName: "Lin"},
	)
	if err := o.Run(ctx, task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed despite one failure", job.Status)
	}
	if job.Succeeded != 2 || job.Failed != 1 {
		t.Errorf("counters = %d/%d, want 2/1", job.Succeeded, job.Failed)
	}

	zr, err := zip.OpenReader(job.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Errorf("archive entries = %d, want failed recipient omitted", len(zr.File))
	}

	rows, _ := s.ListRecipients(ctx, "job-1")
	if rows[1].Status != store.RecipientFailed || rows[1].Error == "" {
		t.Errorf("row 1 = %+v, want failed with reason", rows[1])
	}
}

func TestRunCountersSurviveProgressReordering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{
		raster:  pngBytes(t),
		reorder: true,
	}, &recordingNotifier{})

	task := testTask(
		template.Recipient{FirstName: "Ada"},
		template.Recipient{FirstName: "Grace"},
	)
	if err := o.Run(ctx, task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Processed != 2 || job.Succeeded != 2 || job.Failed != 0 {
		t.Errorf("counters = %d/%d/%d, want 2/2/0 regardless of callback order",
			job.Processed, job.Succeeded, job.Failed)
	}
}

func TestRunAssemblyFailureContained(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{
		raster:    pngBytes(t),
		rasterFor: map[int][]byte{1: []byte("not a raster")},
	}, &recordingNotifier{})

	task := testTask(
		template.Recipient{FirstName: "Ada"},
		template.Recipient{FirstName: "Grace"},
		template.Recipient{FirstName: "Lin"},
	)
	if err := o.Run(ctx, task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed despite one assembly failure", job.Status)
	}
	if job.Processed != 3 || job.Succeeded != 2 || job.Failed != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/2/1 after reconciliation",
			job.Processed, job.Succeeded, job.Failed)
	}

	zr, err := zip.OpenReader(job.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Errorf("archive entries = %d, want unassemblable recipient omitted", len(zr.File))
	}

	rows, _ := s.ListRecipients(ctx, "job-1")
	if rows[1].Status != store.RecipientFailed || rows[1].Error == "" {
		t.Errorf("row 1 = %+v, want failed with assembly reason", rows[1])
	}
	if rows[0].Status != store.RecipientRendered || rows[2].Status != store.RecipientRendered {
		t.Error("sibling recipients affected by assembly failure")
	}
}

func TestRunAllFailedMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	o := newOrchestrator(t, s, &fakeRenderer{
		failIdx: map[int]bool{0: true, 1: true},
	}, notifier)

	err := o.Run(ctx, testTask(
		template.Recipient{FirstName: "Ada"},
		template.Recipient{FirstName: "Grace"},
	))
	if !errors.Is(err, errors.ErrCodeAllFailed) {
		t.Fatalf("Run = %v, want %s", err, errors.ErrCodeAllFailed)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != store.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("failure reason not persisted")
	}
	if len(notifier.sent) != 1 || notifier.sent[0].Status != string(store.JobFailed) {
		t.Errorf("failure notification = %+v", notifier.sent)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{blockCtx: true}, &recordingNotifier{})

	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, testTask(template.Recipient{FirstName: "Ada"}))
	}()

	// Wait for the job to exist, then raise the flag.
	for {
		if _, err := s.GetJob(ctx, "job-1"); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancellation")
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != store.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.Error != "" {
		t.Errorf("cancelled job carries error %q", job.Error)
	}
}

func TestRunPanicMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{panicking: true}, &recordingNotifier{})

	err := o.Run(ctx, testTask(template.Recipient{FirstName: "Ada"}))
	if !errors.Is(err, errors.ErrCodeInternal) {
		t.Fatalf("Run = %v, want %s", err, errors.ErrCodeInternal)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestRunInvalidTask(t *testing.T) {
	s := store.NewMemoryStore()
	o := newOrchestrator(t, s, &fakeRenderer{}, &recordingNotifier{})

	err := o.Run(context.Background(), &Task{JobID: "job-1", TemplateID: "tpl-1"})
	if !errors.Is(err, errors.ErrCodeInvalidTask) {
		t.Fatalf("Run = %v, want %s", err, errors.ErrCodeInvalidTask)
	}
	if _, err := s.GetJob(context.Background(), "job-1"); !errors.Is(err, errors.ErrCodeJobNotFound) {
		t.Error("invalid task must not create a job")
	}
}

func TestTaskValidateDefaults(t *testing.T) {
	task := testTask(template.Recipient{FirstName: "Ada"})
	if err := task.Validate(); err != nil {
		t.Fatal(err)
	}
	if task.Strategy != render.StrategyCluster {
		t.Errorf("strategy default = %q", task.Strategy)
	}
	if task.Surface != render.DefaultSurface || task.DPI != render.DefaultDPI {
		t.Errorf("surface/dpi defaults = %q/%g", task.Surface, task.DPI)
	}

	bad := testTask(template.Recipient{FirstName: "Ada"})
	bad.Strategy = "teleport"
	if err := bad.Validate(); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("unknown strategy = %v", err)
	}
}

func TestDocumentName(t *testing.T) {
	for _, tc := range []struct {
		index    int
		name     string
		tracking string
		want     string
	}{
		{0, "Ada Lovelace", "t-0", "ada_lovelace_t-0_0000.pdf"},
		{7, "Grace", "", "grace_0007.pdf"},
		{12, "", "", "unnamed_0012.pdf"},
	} {
		if got := documentName(tc.index, tc.name, tc.tracking); got != tc.want {
			t.Errorf("documentName(%d, %q, %q) = %q, want %q",
				tc.index, tc.name, tc.tracking, got, tc.want)
		}
	}
}

func TestWriteArchiveDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "job.zip")
	entries := []archiveEntry{
		{Name: "b.pdf", Data: []byte("two")},
		{Name: "a.pdf", Data: []byte("one")},
	}
	if err := writeArchive(path, entries); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if zr.File[0].Name != "a.pdf" || zr.File[1].Name != "b.pdf" {
		t.Errorf("entries = %q, %q, want name order", zr.File[0].Name, zr.File[1].Name)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(path), ".archive-partial")); err == nil {
		t.Error("temp file left behind")
	}
}

func TestAssemblePDF(t *testing.T) {
	f := position.FormatFor(testTemplate(), 300)
	doc, err := assemblePDF(pngBytes(t), f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(doc, []byte("%PDF")) {
		t.Errorf("output does not start with a PDF header")
	}
}
