// Package pipeline implements the callback-driven state machine for looped
// video generation: submit a seed image, render a segment per loop, feed each
// segment's last frame back in as the next seed, then stitch all segments
// into one final artifact.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"videoloop/internal/apperrors"
	"videoloop/internal/blob"
	"videoloop/internal/job"
	"videoloop/internal/lease"
	"videoloop/internal/media"
	"videoloop/internal/observability"
	"videoloop/internal/render"
)

// maxSaveRetries bounds the read-decide-write cycle when a conditional save
// loses a race. With the per-job lease held this should almost never trip.
const maxSaveRetries = 3

// Config holds pipeline settings.
type Config struct {
	TotalLoops  int           // segments per job (default: 3)
	SelfURL     string        // externally reachable base URL for callbacks and blob URLs
	LeaseTTL    time.Duration // how long one callback may hold a job's lease (default: 2m)
	AcquireWait time.Duration // how long to wait for a busy job's lease (default: 30s)
	Render      render.ClientConfig
}

func (c Config) withDefaults() Config {
	if c.TotalLoops <= 0 {
		c.TotalLoops = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = 30 * time.Second
	}
	return c
}

// RenderDispatcher queues a render request for async submission.
// Implemented by *render.Dispatcher.
type RenderDispatcher interface {
	Dispatch(req *render.Request) error
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Jobs    job.Store
	Blobs   blob.Store
	Renders RenderDispatcher
	Media   media.Toolchain
	Locks   lease.Locker
	Metrics *observability.Metrics // optional
}

// Pipeline is the orchestration state machine. It is stateless between
// requests: every operation loads the job record from the store, decides,
// and saves. Callbacks for one job are serialized by a per-root_id lease;
// the store's conditional save catches anything that slips past it.
type Pipeline struct {
	cfg     Config
	jobs    job.Store
	blobs   blob.Store
	renders RenderDispatcher
	media   media.Toolchain
	locks   lease.Locker
	metrics *observability.Metrics
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		jobs:    deps.Jobs,
		blobs:   deps.Blobs,
		renders: deps.Renders,
		media:   deps.Media,
		locks:   deps.Locks,
		metrics: deps.Metrics,
	}
}

// SubmitResult is the response to a new submission.
type SubmitResult struct {
	State string `json:"state"` // always "PENDING"
	JobID string `json:"jobId"`
}

// CallbackResult is the response to a render callback.
type CallbackResult struct {
	Status        string `json:"status"` // "looping", "COMPLETE" or "failed"
	Loop          int    `json:"loop,omitempty"`
	FinalVideoURL string `json:"final_video_url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StatusResult is the polling view of a job.
type StatusResult struct {
	RootID        string     `json:"root_id"`
	Status        job.Status `json:"status"`
	Loop          int        `json:"loop"`
	StartedAt     time.Time  `json:"started_at"`
	FinalVideoURL string     `json:"final_video_url,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Submit creates a job for the seed image and dispatches the first render.
// The response is an acceptance, not a result: progress is driven entirely
// by callbacks from the render service.
func (p *Pipeline) Submit(ctx context.Context, imageURL string) (*SubmitResult, error) {
	if err := p.cfg.Render.Validate(); err != nil {
		return nil, err
	}
	if imageURL == "" {
		return nil, apperrors.Validation("image_url", "image_url is required")
	}
	if err := validateURL(imageURL); err != nil {
		return nil, apperrors.Validation("image_url", fmt.Sprintf("invalid image_url: %v", err))
	}

	rootID := newRootID()
	rec := job.NewRecord(rootID, imageURL)
	if err := p.jobs.Create(ctx, rec); err != nil {
		return nil, err
	}

	logger := slog.With("rootId", rootID)
	if err := p.dispatchRender(rootID, imageURL); err != nil {
		logger.Error("First render dispatch failed", "error", err)
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordJobCreated(ctx)
	}
	logger.Info("Job submitted", "seed", imageURL)

	return &SubmitResult{State: string(job.StatusPending), JobID: rootID}, nil
}

// HandleRenderSuccess processes a successful render callback: store the
// segment, extract the next seed frame, advance the loop counter, and either
// dispatch the next render or finalize.
//
// Terminal jobs are returned unchanged with zero writes, so duplicate and
// late callbacks are safe no-ops.
func (p *Pipeline) HandleRenderSuccess(ctx context.Context, rootID string, video []byte) (*CallbackResult, error) {
	if rootID == "" {
		return nil, apperrors.Validation("root_id", "missing root_id")
	}
	if len(video) == 0 {
		return nil, apperrors.Validation("output.video", "callback carried no video payload")
	}

	unlock, err := p.acquire(ctx, rootID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.metrics != nil {
		p.metrics.RecordCallback(ctx, "success")
	}

	var lastErr error
	for range maxSaveRetries {
		rec, err := p.jobs.Load(ctx, rootID)
		if err != nil {
			return nil, err
		}

		switch rec.Status {
		case job.StatusComplete:
			return completeResult(rec), nil
		case job.StatusFailed:
			return failedResult(rec), nil
		case job.StatusFinalizing:
			// A crash or toolchain failure left finalization unfinished; this
			// delivery retries it from the stored chunks.
			return p.finalize(ctx, rec)
		}

		result, err := p.advance(ctx, rec, video)
		if errors.Is(err, apperrors.ErrConflict) {
			lastErr = err
			continue
		}
		return result, err
	}
	return nil, lastErr
}

// advance runs one loop iteration for a non-terminal, non-finalizing record.
func (p *Pipeline) advance(ctx context.Context, rec *job.Record, video []byte) (*CallbackResult, error) {
	rootID := rec.RootID
	loop := rec.Loop
	logger := slog.With("rootId", rootID, "loop", loop)

	chunkKey := blob.ChunkKey(rootID, loop)
	if err := p.blobs.Put(ctx, chunkKey, video); err != nil {
		return nil, err
	}

	frame, err := p.media.ExtractLastFrame(ctx, video)
	if err != nil {
		// Job record untouched: the upstream retry of this callback gets
		// another shot at the same loop.
		logger.Error("Last-frame extraction failed", "error", err)
		return nil, err
	}
	frameKey := blob.LastFrameKey(rootID, loop)
	if err := p.blobs.Put(ctx, frameKey, frame); err != nil {
		return nil, err
	}

	rec.Chunks = append(rec.Chunks, chunkKey)
	rec.CurrentImageURL = blob.ObjectURL(p.cfg.SelfURL, frameKey)
	rec.Loop++

	if rec.Loop < p.cfg.TotalLoops {
		rec.Status = job.StatusRunning
		if err := p.jobs.Save(ctx, rec); err != nil {
			return nil, err
		}
		if err := p.dispatchRender(rootID, rec.CurrentImageURL); err != nil {
			logger.Error("Next render dispatch failed", "error", err)
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.RecordLoopCompleted(ctx)
		}
		logger.Info("Loop completed, next render dispatched", "nextLoop", rec.Loop)
		return &CallbackResult{Status: "looping", Loop: rec.Loop}, nil
	}

	// Final loop: persist FINALIZING before the slow stitch so a crash here
	// is observable and retryable.
	rec.Status = job.StatusFinalizing
	if err := p.jobs.Save(ctx, rec); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordLoopCompleted(ctx)
	}
	return p.finalize(ctx, rec)
}

// finalize stitches all stored chunks into the final artifact and completes
// the job. Safe to retry: it reads chunks from storage, and the final save
// is conditional.
func (p *Pipeline) finalize(ctx context.Context, rec *job.Record) (*CallbackResult, error) {
	rootID := rec.RootID
	logger := slog.With("rootId", rootID)
	if p.metrics != nil {
		p.metrics.RecordFinalizationAttempt(ctx)
	}

	segments := make([][]byte, len(rec.Chunks))
	for i, key := range rec.Chunks {
		data, err := p.blobs.Get(ctx, key)
		if err != nil {
			logger.Error("Chunk unreadable during finalization", "chunk", key, "error", err)
			return nil, err
		}
		segments[i] = data
	}

	final, err := p.media.ConcatenateAndRender(ctx, segments)
	if err != nil {
		// Record stays FINALIZING; a duplicate delivery retries from here.
		logger.Error("Finalization render failed", "error", err)
		return nil, err
	}

	finalKey := blob.FinalVideoKey(rootID)
	if err := p.blobs.Put(ctx, finalKey, final); err != nil {
		return nil, err
	}

	rec.Status = job.StatusComplete
	rec.FinalVideoURL = blob.ObjectURL(p.cfg.SelfURL, finalKey)
	if err := p.jobs.Save(ctx, rec); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Someone else completed it; their result stands.
			if stored, loadErr := p.jobs.Load(ctx, rootID); loadErr == nil && stored.Status == job.StatusComplete {
				return completeResult(stored), nil
			}
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordJobCompleted(ctx, true, time.Since(rec.StartedAt).Seconds())
	}
	logger.Info("Job complete", "chunks", len(rec.Chunks), "finalVideoUrl", rec.FinalVideoURL)
	return completeResult(rec), nil
}

// HandleRenderFailure marks the job failed. Terminal jobs are returned
// unchanged, so redelivered failure callbacks do not move failed_at.
func (p *Pipeline) HandleRenderFailure(ctx context.Context, rootID, renderErr string) (*CallbackResult, error) {
	if rootID == "" {
		return nil, apperrors.Validation("root_id", "missing root_id")
	}

	unlock, err := p.acquire(ctx, rootID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.metrics != nil {
		p.metrics.RecordCallback(ctx, "failure")
	}

	var lastErr error
	for range maxSaveRetries {
		rec, err := p.jobs.Load(ctx, rootID)
		if err != nil {
			return nil, err
		}

		switch rec.Status {
		case job.StatusComplete:
			return completeResult(rec), nil
		case job.StatusFailed:
			return failedResult(rec), nil
		}

		failedAt := time.Now().UTC()
		rec.Status = job.StatusFailed
		rec.Error = renderErr
		rec.FailedAt = &failedAt

		if err := p.jobs.Save(ctx, rec); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if p.metrics != nil {
			p.metrics.RecordJobCompleted(ctx, false, time.Since(rec.StartedAt).Seconds())
		}
		slog.Warn("Job failed", "rootId", rootID, "loop", rec.Loop, "error", renderErr)
		return failedResult(rec), nil
	}
	return nil, lastErr
}

// Status returns the polling view of a job.
func (p *Pipeline) Status(ctx context.Context, rootID string) (*StatusResult, error) {
	if rootID == "" {
		return nil, apperrors.Validation("root_id", "missing root_id")
	}
	rec, err := p.jobs.Load(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		RootID:        rec.RootID,
		Status:        rec.Status,
		Loop:          rec.Loop,
		StartedAt:     rec.StartedAt,
		FinalVideoURL: rec.FinalVideoURL,
		Error:         rec.Error,
	}, nil
}

// acquire takes the per-job lease, waiting up to AcquireWait.
func (p *Pipeline) acquire(ctx context.Context, rootID string) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireWait)
	defer cancel()

	l, err := p.locks.Acquire(acquireCtx, rootID, p.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Conflict("job", rootID,
				fmt.Sprintf("job %s is being updated by another callback", rootID))
		}
		return nil, err
	}
	return func() {
		if err := l.Release(context.Background()); err != nil {
			slog.Warn("Lease release failed", "rootId", rootID, "error", err)
		}
	}, nil
}

// dispatchRender queues the render request for one loop.
func (p *Pipeline) dispatchRender(rootID, imageURL string) error {
	return p.renders.Dispatch(&render.Request{
		RootID:      rootID,
		ImageURL:    imageURL,
		CallbackURL: callbackURL(p.cfg.SelfURL, rootID),
	})
}

// callbackURL builds the webhook URL the render service calls back.
func callbackURL(selfURL, rootID string) string {
	return strings.TrimSuffix(selfURL, "/") + "/?root_id=" + url.QueryEscape(rootID)
}

// newRootID generates an opaque 32-character hex job id.
func newRootID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func completeResult(rec *job.Record) *CallbackResult {
	return &CallbackResult{Status: string(job.StatusComplete), FinalVideoURL: rec.FinalVideoURL}
}

func failedResult(rec *job.Record) *CallbackResult {
	return &CallbackResult{Status: "failed", Error: rec.Error}
}

// validateURL checks a URL is absolute http(s).
func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
