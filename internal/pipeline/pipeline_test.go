package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"videoloop/internal/apperrors"
	"videoloop/internal/blob"
	"videoloop/internal/job"
	"videoloop/internal/lease"
	"videoloop/internal/render"
)

// fakeToolchain records invocations and returns canned outputs.
type fakeToolchain struct {
	mu         sync.Mutex
	extracts   int
	concats    [][][]byte
	extractErr error
	concatErr  error
}

func (f *fakeToolchain) ExtractLastFrame(ctx context.Context, video []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	f.extracts++
	return fmt.Appendf(nil, "frame-%d", f.extracts), nil
}

func (f *fakeToolchain) ConcatenateAndRender(ctx context.Context, segments [][]byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.concatErr != nil {
		return nil, f.concatErr
	}
	cp := make([][]byte, len(segments))
	for i, s := range segments {
		cp[i] = append([]byte(nil), s...)
	}
	f.concats = append(f.concats, cp)
	return []byte("final-video"), nil
}

func (f *fakeToolchain) concatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.concats)
}

func (f *fakeToolchain) setConcatErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.concatErr = err
}

// recordingDispatcher captures dispatched render requests.
type recordingDispatcher struct {
	mu       sync.Mutex
	requests []*render.Request
	err      error
}

func (d *recordingDispatcher) Dispatch(req *render.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, req)
	return nil
}

func (d *recordingDispatcher) dispatched() []*render.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*render.Request(nil), d.requests...)
}

type testEnv struct {
	pipeline   *Pipeline
	blobs      *blob.MemoryStore
	jobs       job.Store
	dispatcher *recordingDispatcher
	toolchain  *fakeToolchain
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs := blob.NewMemoryStore()
	jobs := job.NewBlobStore(blobs)
	dispatcher := &recordingDispatcher{}
	toolchain := &fakeToolchain{}

	p := New(Config{
		TotalLoops:  3,
		SelfURL:     "http://svc.local",
		LeaseTTL:    time.Second,
		AcquireWait: time.Second,
		Render:      render.ClientConfig{EndpointID: "ep-123", APIKey: "secret"},
	}, Deps{
		Jobs:    jobs,
		Blobs:   blobs,
		Renders: dispatcher,
		Media:   toolchain,
		Locks:   lease.NewMemoryLocker(),
	})

	return &testEnv{pipeline: p, blobs: blobs, jobs: jobs, dispatcher: dispatcher, toolchain: toolchain}
}

func (e *testEnv) mustLoad(t *testing.T, rootID string) *job.Record {
	t.Helper()
	rec, err := e.jobs.Load(context.Background(), rootID)
	if err != nil {
		t.Fatalf("Load(%s) failed: %v", rootID, err)
	}
	return rec
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.State != "PENDING" {
		t.Errorf("Expected state PENDING, got %q", result.State)
	}
	if len(result.JobID) != 32 {
		t.Errorf("Expected 32-char hex job id, got %q", result.JobID)
	}

	rec := env.mustLoad(t, result.JobID)
	if rec.Status != job.StatusPending {
		t.Errorf("Expected status PENDING, got %s", rec.Status)
	}
	if rec.Loop != 0 || len(rec.Chunks) != 0 {
		t.Errorf("Expected fresh job at loop 0 with no chunks, got loop %d chunks %v", rec.Loop, rec.Chunks)
	}
	if rec.CurrentImageURL != "https://cdn.example.com/seed.png" {
		t.Errorf("Expected seed image preserved, got %q", rec.CurrentImageURL)
	}

	reqs := env.dispatcher.dispatched()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 dispatched render, got %d", len(reqs))
	}
	if reqs[0].ImageURL != "https://cdn.example.com/seed.png" {
		t.Errorf("Expected first render to use the seed image, got %q", reqs[0].ImageURL)
	}
	wantCallback := "http://svc.local/?root_id=" + result.JobID
	if reqs[0].CallbackURL != wantCallback {
		t.Errorf("Expected callback URL %q, got %q", wantCallback, reqs[0].CallbackURL)
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	for _, imageURL := range []string{"", "not a url", "ftp://host/seed.png", "/relative/seed.png"} {
		if _, err := env.pipeline.Submit(ctx, imageURL); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Submit(%q): expected validation error, got %v", imageURL, err)
		}
	}
	if len(env.dispatcher.dispatched()) != 0 {
		t.Error("Expected no renders dispatched for rejected submissions")
	}
}

func TestSubmit_MissingCredentials(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.pipeline.cfg.Render = render.ClientConfig{}

	_, err := env.pipeline.Submit(context.Background(), "https://cdn.example.com/seed.png")
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if len(env.dispatcher.dispatched()) != 0 {
		t.Error("Expected no dispatch when credentials are missing")
	}
	if env.blobs.PutCount() != 0 {
		t.Error("Expected no job created when credentials are missing")
	}
}

func TestLifecycle_ThreeLoops(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	rootID := result.JobID

	videos := [][]byte{[]byte("segment-0"), []byte("segment-1"), []byte("segment-2")}

	// Loops 0 and 1 advance the counter and dispatch the next render.
	for i := range 2 {
		cb, err := env.pipeline.HandleRenderSuccess(ctx, rootID, videos[i])
		if err != nil {
			t.Fatalf("Callback %d failed: %v", i, err)
		}
		if cb.Status != "looping" || cb.Loop != i+1 {
			t.Errorf("Callback %d: expected looping/%d, got %s/%d", i, i+1, cb.Status, cb.Loop)
		}

		rec := env.mustLoad(t, rootID)
		if rec.Status != job.StatusRunning {
			t.Errorf("Callback %d: expected status RUNNING, got %s", i, rec.Status)
		}
		if len(rec.Chunks) != rec.Loop {
			t.Errorf("Callback %d: chunk count %d out of sync with loop %d", i, len(rec.Chunks), rec.Loop)
		}
	}

	// Each follow-up render is seeded with the extracted frame, not the
	// original image.
	reqs := env.dispatcher.dispatched()
	if len(reqs) != 3 {
		t.Fatalf("Expected 3 dispatched renders, got %d", len(reqs))
	}
	wantSeed := blob.ObjectURL("http://svc.local", blob.LastFrameKey(rootID, 0))
	if reqs[1].ImageURL != wantSeed {
		t.Errorf("Expected second render seeded with %q, got %q", wantSeed, reqs[1].ImageURL)
	}

	// Final loop completes the job.
	cb, err := env.pipeline.HandleRenderSuccess(ctx, rootID, videos[2])
	if err != nil {
		t.Fatalf("Final callback failed: %v", err)
	}
	if cb.Status != "COMPLETE" {
		t.Fatalf("Expected COMPLETE, got %s", cb.Status)
	}
	wantFinal := blob.ObjectURL("http://svc.local", blob.FinalVideoKey(rootID))
	if cb.FinalVideoURL != wantFinal {
		t.Errorf("Expected final video URL %q, got %q", wantFinal, cb.FinalVideoURL)
	}

	rec := env.mustLoad(t, rootID)
	if rec.Status != job.StatusComplete {
		t.Errorf("Expected status COMPLETE, got %s", rec.Status)
	}
	if len(rec.Chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(rec.Chunks))
	}
	for i, key := range rec.Chunks {
		if key != blob.ChunkKey(rootID, i) {
			t.Errorf("Chunk %d: expected key %q, got %q", i, blob.ChunkKey(rootID, i), key)
		}
	}

	// Exactly one finalization, fed all segments in submission order.
	if env.toolchain.concatCount() != 1 {
		t.Fatalf("Expected 1 finalization, got %d", env.toolchain.concatCount())
	}
	stitched := env.toolchain.concats[0]
	if len(stitched) != 3 {
		t.Fatalf("Expected 3 segments stitched, got %d", len(stitched))
	}
	for i, seg := range stitched {
		if string(seg) != string(videos[i]) {
			t.Errorf("Segment %d: expected %q, got %q", i, videos[i], seg)
		}
	}
}

func TestCallback_UnknownRootID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.HandleRenderSuccess(ctx, "nope", []byte("video")); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for success callback, got %v", err)
	}
	if _, err := env.pipeline.HandleRenderFailure(ctx, "nope", "boom"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for failure callback, got %v", err)
	}
	if _, err := env.pipeline.HandleRenderSuccess(ctx, "", []byte("video")); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for missing root_id, got %v", err)
	}
}

func TestFailure_MarksJobFailedOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	rootID := result.JobID

	cb, err := env.pipeline.HandleRenderFailure(ctx, rootID, "gpu exploded")
	if err != nil {
		t.Fatalf("Failure callback failed: %v", err)
	}
	if cb.Status != "failed" || cb.Error != "gpu exploded" {
		t.Errorf("Expected failed/gpu exploded, got %s/%q", cb.Status, cb.Error)
	}

	rec := env.mustLoad(t, rootID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("Expected status FAILED, got %s", rec.Status)
	}
	if rec.FailedAt == nil {
		t.Fatal("Expected failed_at to be set")
	}
	firstFailedAt := *rec.FailedAt
	writes := env.blobs.PutCount()

	// Redelivered failure must not move failed_at or touch storage.
	dup, err := env.pipeline.HandleRenderFailure(ctx, rootID, "different message")
	if err != nil {
		t.Fatalf("Duplicate failure callback failed: %v", err)
	}
	if dup.Error != "gpu exploded" {
		t.Errorf("Expected original error preserved, got %q", dup.Error)
	}
	if env.blobs.PutCount() != writes {
		t.Errorf("Expected zero writes for duplicate failure, got %d extra", env.blobs.PutCount()-writes)
	}

	rec = env.mustLoad(t, rootID)
	if !rec.FailedAt.Equal(firstFailedAt) {
		t.Error("Expected failed_at unchanged by duplicate failure")
	}

	// A late success for a failed job is ignored too.
	late, err := env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("segment"))
	if err != nil {
		t.Fatalf("Late success callback failed: %v", err)
	}
	if late.Status != "failed" {
		t.Errorf("Expected failed for late success, got %s", late.Status)
	}
	if env.blobs.PutCount() != writes {
		t.Error("Expected zero writes for late success on failed job")
	}
}

func TestDuplicateFinalCallback_FinalizesOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, _ := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	rootID := result.JobID

	for i := range 3 {
		if _, err := env.pipeline.HandleRenderSuccess(ctx, rootID, fmt.Appendf(nil, "segment-%d", i)); err != nil {
			t.Fatalf("Callback %d failed: %v", i, err)
		}
	}
	writes := env.blobs.PutCount()

	dup, err := env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("segment-2"))
	if err != nil {
		t.Fatalf("Duplicate final callback failed: %v", err)
	}
	if dup.Status != "COMPLETE" {
		t.Errorf("Expected COMPLETE, got %s", dup.Status)
	}
	if dup.FinalVideoURL != blob.ObjectURL("http://svc.local", blob.FinalVideoKey(rootID)) {
		t.Errorf("Expected cached final video URL, got %q", dup.FinalVideoURL)
	}
	if env.toolchain.concatCount() != 1 {
		t.Errorf("Expected finalization to run once, got %d", env.toolchain.concatCount())
	}
	if env.blobs.PutCount() != writes {
		t.Error("Expected zero writes for duplicate final callback")
	}
}

func TestFinalizing_RetriesAfterToolchainFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, _ := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	rootID := result.JobID

	for i := range 2 {
		if _, err := env.pipeline.HandleRenderSuccess(ctx, rootID, fmt.Appendf(nil, "segment-%d", i)); err != nil {
			t.Fatalf("Callback %d failed: %v", i, err)
		}
	}

	env.toolchain.setConcatErr(errors.New("ffmpeg crashed"))
	if _, err := env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("segment-2")); err == nil {
		t.Fatal("Expected final callback to fail while toolchain is down")
	}

	rec := env.mustLoad(t, rootID)
	if rec.Status != job.StatusFinalizing {
		t.Fatalf("Expected status FINALIZING after failed stitch, got %s", rec.Status)
	}
	if len(rec.Chunks) != 3 {
		t.Fatalf("Expected all 3 chunks recorded, got %d", len(rec.Chunks))
	}

	// The redelivered callback retries finalization from stored chunks; its
	// payload is ignored.
	env.toolchain.setConcatErr(nil)
	cb, err := env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("ignored"))
	if err != nil {
		t.Fatalf("Retry callback failed: %v", err)
	}
	if cb.Status != "COMPLETE" {
		t.Fatalf("Expected COMPLETE after retry, got %s", cb.Status)
	}

	rec = env.mustLoad(t, rootID)
	if rec.Status != job.StatusComplete {
		t.Errorf("Expected status COMPLETE, got %s", rec.Status)
	}
	if len(rec.Chunks) != 3 {
		t.Errorf("Expected chunk count unchanged by retry, got %d", len(rec.Chunks))
	}
	stitched := env.toolchain.concats[0]
	if string(stitched[2]) != "segment-2" {
		t.Errorf("Expected retry to stitch the stored chunk, got %q", stitched[2])
	}
}

func TestExtractFailure_LeavesRecordUntouched(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, _ := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	rootID := result.JobID

	env.toolchain.extractErr = apperrors.Internal("ffmpeg.extractLastFrame", errors.New("corrupt video"))
	if _, err := env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("segment-0")); !errors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("Expected internal error from extraction, got %v", err)
	}

	// Record untouched: the callback can be redelivered for the same loop.
	rec := env.mustLoad(t, rootID)
	if rec.Status != job.StatusPending || rec.Loop != 0 || len(rec.Chunks) != 0 {
		t.Errorf("Expected pristine record after extraction failure, got %s loop=%d chunks=%d",
			rec.Status, rec.Loop, len(rec.Chunks))
	}
}

func TestCallback_EmptyPayloadRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	result, _ := env.pipeline.Submit(context.Background(), "https://cdn.example.com/seed.png")

	_, err := env.pipeline.HandleRenderSuccess(context.Background(), result.JobID, nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error for empty payload, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.Status(ctx, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for unknown job, got %v", err)
	}

	result, _ := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	status, err := env.pipeline.Status(ctx, result.JobID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.RootID != result.JobID || status.Status != job.StatusPending || status.Loop != 0 {
		t.Errorf("Unexpected status view: %+v", status)
	}
	if status.StartedAt.IsZero() {
		t.Error("Expected started_at to be set")
	}
}

func TestConcurrentCallbacks_Serialized(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	result, _ := env.pipeline.Submit(ctx, "https://cdn.example.com/seed.png")
	rootID := result.JobID

	// Race a success and a failure for the same job; the lease serializes
	// them, so the record must land in exactly one coherent state.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		env.pipeline.HandleRenderSuccess(ctx, rootID, []byte("segment-0"))
	}()
	go func() {
		defer wg.Done()
		env.pipeline.HandleRenderFailure(ctx, rootID, "gpu exploded")
	}()
	wg.Wait()

	// Whichever ordering the lease picks, the failure wins eventually: either
	// it lands first and the success is ignored, or it lands second and marks
	// the advanced job failed. The record must be coherent either way.
	rec := env.mustLoad(t, rootID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("Expected status FAILED, got %s", rec.Status)
	}
	if rec.FailedAt == nil {
		t.Error("Failed record missing failed_at")
	}
	if len(rec.Chunks) != rec.Loop {
		t.Errorf("Chunk count %d out of sync with loop %d", len(rec.Chunks), rec.Loop)
	}
}
