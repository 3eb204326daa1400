// Package upload streams the session recording to storage while capture is
// still running: recorder segments accumulate in a pending buffer, are
// sealed into sequentially numbered parts once they reach the backend's
// minimum part size, uploaded with retry, and finalized only after the
// visibility decision is made.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleylabs/parley/pkg/log"
	"github.com/parleylabs/parley/pkg/metrics"
)

// MinPartSize is the backend-imposed minimum part size. Every part except
// the final one must meet it.
const MinPartSize = 5 << 20

// CompletedPart is one successfully uploaded part. A completed upload is
// the ordered list of these pairs.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// Uploader is the storage capability the pipeline drives.
type Uploader interface {
	// Start opens a multipart upload and returns its id.
	Start(ctx context.Context, sessionID, contentType string) (uploadID string, err error)
	// UploadPart uploads one numbered part and returns its etag.
	UploadPart(ctx context.Context, sessionID, uploadID string, partNumber int, body []byte) (etag string, err error)
	// Complete finalizes the upload with the ordered part list and the
	// visibility choice, returning the stored object's URL.
	Complete(ctx context.Context, sessionID, uploadID string, parts []CompletedPart, isPublic bool) (videoURL string, err error)
}

// UploadPartError reports a transient failure uploading a single part. The
// sealed bytes are returned to the front of the pending buffer and the part
// number is reused on the next attempt.
type UploadPartError struct {
	PartNumber int
	Attempt    int
	Err        error
}

func (e *UploadPartError) Error() string {
	return fmt.Sprintf("upload part %d (attempt %d): %v", e.PartNumber, e.Attempt, e.Err)
}

func (e *UploadPartError) Unwrap() error { return e.Err }

// State is the pipeline's lifecycle state.
type State int

const (
	// StateNotStarted means the multipart upload has not been opened.
	StateNotStarted State = iota
	// StateUploading means segments are being buffered and parts uploaded.
	StateUploading
	// StateAwaitingFinalize means all parts are uploaded and the pipeline
	// is waiting for the visibility decision.
	StateAwaitingFinalize
	// StateCompleting means the completion request is in flight.
	StateCompleting
	// StateCompleted means the object is stored and reachable.
	StateCompleted
	// StateFailed means completion failed.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateUploading:
		return "UPLOADING_PARTS"
	case StateAwaitingFinalize:
		return "AWAITING_FINALIZE"
	case StateCompleting:
		return "COMPLETING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Config configures the pipeline.
type Config struct {
	// MinPartSize is the minimum sealed part size in bytes. Default: 5 MiB.
	MinPartSize int `yaml:"min_part_size" json:"min_part_size"`

	// ContentType is the recording MIME type. Default: video/webm.
	ContentType string `yaml:"content_type" json:"content_type"`

	// MaxAttempts is the per-part attempt cap before the part is abandoned
	// and the session proceeds with whatever parts succeeded. Default: 3.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// RetryDelay is the pause before reattempting a failed part. Default:
	// 500ms.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// StoredWait bounds how long finalization waits for the server-stored
	// confirmation before proceeding with a warning. Default: 10s.
	StoredWait time.Duration `yaml:"stored_wait" json:"stored_wait"`
}

// DefaultConfig returns a Config with the standard upload parameters.
func DefaultConfig() Config {
	return Config{
		MinPartSize: MinPartSize,
		ContentType: "video/webm",
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,
		StoredWait:  10 * time.Second,
	}
}

// Pipeline owns the pending buffer and the part sequence. Segments are
// appended by the recorder callback; a single drain goroutine seals and
// uploads parts, so part numbers are assigned and consumed in one place.
type Pipeline struct {
	cfg      Config
	uploader Uploader
	logger   *log.Logger
	met      *metrics.Metrics

	sessionID string

	mu        sync.Mutex
	state     State
	uploadID  string
	pending   []byte
	nextPart  int
	parts     []CompletedPart
	stopping  bool
	abandoned bool
	videoURL  string

	wake    chan struct{}
	drained chan struct{}

	storedOnce   sync.Once
	serverStored chan struct{}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.met = m }
}

// NewPipeline creates a pipeline for one session's recording.
func NewPipeline(cfg Config, uploader Uploader, sessionID string, opts ...PipelineOption) *Pipeline {
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = MinPartSize
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "video/webm"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StoredWait <= 0 {
		cfg.StoredWait = 10 * time.Second
	}
	p := &Pipeline{
		cfg:          cfg,
		uploader:     uploader,
		sessionID:    sessionID,
		nextPart:     1,
		wake:         make(chan struct{}, 1),
		drained:      make(chan struct{}),
		serverStored: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens the multipart upload and launches the drain goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateNotStarted {
		p.mu.Unlock()
		return fmt.Errorf("upload: start in state %v", p.state)
	}
	p.mu.Unlock()

	uploadID, err := p.uploader.Start(ctx, p.sessionID, p.cfg.ContentType)
	if err != nil {
		return fmt.Errorf("upload: start multipart: %w", err)
	}

	p.mu.Lock()
	p.uploadID = uploadID
	p.state = StateUploading
	p.mu.Unlock()

	p.logger.Info("multipart upload started", zap.String("upload_id", uploadID))
	// The drain loop outlives the start context: an interrupted caller still
	// owes the backend the pending tail, and StopRecording always ends the
	// loop during teardown.
	go p.drain(context.WithoutCancel(ctx))
	return nil
}

// Started reports whether the multipart upload was opened. The session uses
// this to choose the single-shot fallback path.
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != StateNotStarted
}

// AddSegment appends one recorder segment to the pending buffer and wakes
// the drain loop. Safe to call from the recorder callback at any rate.
func (p *Pipeline) AddSegment(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	if p.stopping || p.state > StateUploading {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, data...)
	p.mu.Unlock()
	p.signal()
}

// StopRecording marks the end of segment production. The remaining pending
// bytes are flushed as the final part regardless of size.
func (p *Pipeline) StopRecording() {
	p.mu.Lock()
	already := p.stopping || p.state != StateUploading
	p.stopping = true
	p.mu.Unlock()
	if !already {
		p.signal()
	}
}

// MarkServerStored records the server's confirmation that session data is
// persisted, releasing a finalize blocked on it. Idempotent.
func (p *Pipeline) MarkServerStored() {
	p.storedOnce.Do(func() { close(p.serverStored) })
}

// Finalize completes the upload with the visibility decision. It waits for
// the tail part to flush, then for the server-stored confirmation up to the
// bounded wait, then requests completion. Returns the stored object's URL.
func (p *Pipeline) Finalize(ctx context.Context, isPublic bool) (string, error) {
	p.mu.Lock()
	switch p.state {
	case StateCompleted:
		url := p.videoURL
		p.mu.Unlock()
		return url, nil
	case StateNotStarted:
		p.mu.Unlock()
		return "", fmt.Errorf("upload: finalize before start")
	case StateCompleting:
		p.mu.Unlock()
		return "", fmt.Errorf("upload: finalize already in progress")
	}
	p.mu.Unlock()

	p.StopRecording()

	select {
	case <-p.drained:
	case <-ctx.Done():
		return "", fmt.Errorf("upload: waiting for part drain: %w", ctx.Err())
	}

	// Completion must not outrun the server's own record of the session;
	// the wait is bounded so a lost acknowledgment never strands the user.
	select {
	case <-p.serverStored:
	case <-time.After(p.cfg.StoredWait):
		p.logger.Warn("proceeding to finalize without server-stored confirmation",
			zap.Duration("waited", p.cfg.StoredWait))
	case <-ctx.Done():
		return "", fmt.Errorf("upload: waiting for server-stored: %w", ctx.Err())
	}

	p.mu.Lock()
	p.state = StateCompleting
	parts := make([]CompletedPart, len(p.parts))
	copy(parts, p.parts)
	uploadID := p.uploadID
	p.mu.Unlock()

	videoURL, err := p.uploader.Complete(ctx, p.sessionID, uploadID, parts, isPublic)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateFailed
		return "", fmt.Errorf("upload: complete multipart: %w", err)
	}
	p.state = StateCompleted
	p.videoURL = videoURL
	p.logger.Info("upload completed",
		zap.Int("parts", len(parts)),
		zap.Bool("public", isPublic),
		zap.String("video_url", videoURL))
	return videoURL, nil
}

// State returns the pipeline's lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Parts returns the completed parts uploaded so far, in order.
func (p *Pipeline) Parts() []CompletedPart {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletedPart, len(p.parts))
	copy(out, p.parts)
	return out
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// drain is the single consumer of the pending buffer. It seals a part
// whenever enough bytes are pending (or recording has stopped), uploads it,
// and on failure returns the bytes to the front of the buffer so the part
// number is reused. After every attempt it re-checks the buffer immediately
// so a backlog drains without waiting for new segments.
func (p *Pipeline) drain(ctx context.Context) {
	attempts := 0
	for {
		p.mu.Lock()
		if p.abandoned {
			p.pending = nil
		}
		ready := len(p.pending) >= p.cfg.MinPartSize ||
			(p.stopping && len(p.pending) > 0)
		if !ready {
			if p.stopping {
				if p.state == StateUploading {
					p.state = StateAwaitingFinalize
				}
				p.mu.Unlock()
				close(p.drained)
				return
			}
			p.mu.Unlock()
			<-p.wake
			continue
		}

		body := p.pending
		p.pending = nil
		num := p.nextPart
		uploadID := p.uploadID
		p.mu.Unlock()

		etag, err := p.uploader.UploadPart(ctx, p.sessionID, uploadID, num, body)
		if err != nil {
			attempts++
			perr := &UploadPartError{PartNumber: num, Attempt: attempts, Err: err}
			if attempts >= p.cfg.MaxAttempts {
				// Abandon: parts must stay gapless, so no further parts can
				// be sealed. Finalize proceeds with what succeeded.
				p.logger.Error("part abandoned after exhausting retries",
					zap.Int("part", num),
					zap.Int("attempts", attempts),
					zap.Error(err))
				if p.met != nil {
					p.met.UploadFailuresTotal.Inc()
				}
				p.mu.Lock()
				p.abandoned = true
				p.mu.Unlock()
				attempts = 0
				continue
			}
			p.logger.Warn("part upload failed, retrying", zap.Error(perr))
			if p.met != nil {
				p.met.UploadRetriesTotal.Inc()
			}
			p.mu.Lock()
			// Failed bytes go back to the front so the reattempt covers the
			// same range and the number is never skipped.
			p.pending = append(body, p.pending...)
			p.mu.Unlock()
			if p.cfg.RetryDelay > 0 {
				time.Sleep(p.cfg.RetryDelay)
			}
			continue
		}

		attempts = 0
		p.mu.Lock()
		p.parts = append(p.parts, CompletedPart{PartNumber: num, ETag: etag})
		p.nextPart++
		p.mu.Unlock()

		p.logger.Debug("part uploaded",
			zap.Int("part", num),
			zap.Int("bytes", len(body)),
			zap.String("etag", etag))
		if p.met != nil {
			p.met.UploadPartsTotal.Inc()
			p.met.UploadBytesTotal.Add(float64(len(body)))
		}
	}
}
