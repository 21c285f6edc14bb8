package artifact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"browsernerd/internal/logging"
	"browsernerd/internal/script"
)

// Uploader transfers artifacts on a bounded worker pool shared by all
// sessions. Failures never propagate to script results; they settle
// as artifact metadata.
type Uploader struct {
	store       Store
	maxAttempts int
	notify      func(sessionID string, ref *script.ArtifactRef)
	log         *zap.Logger

	jobs    chan job
	wg      sync.WaitGroup
	backlog atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex // guards settled ref mutation
}

type job struct {
	sessionID string
	key       string
	ref       *script.ArtifactRef
	data      []byte
}

// UploaderOptions size the pool.
type UploaderOptions struct {
	Workers     int
	MaxAttempts int
	QueueDepth  int
	// Notify fires once per artifact after it settles (uploaded or
	// failed). May be nil.
	Notify func(sessionID string, ref *script.ArtifactRef)
}

// NewUploader starts the worker pool.
func NewUploader(store Store, opts UploaderOptions) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		notify:      opts.Notify,
		log:         logging.Get(logging.CategoryArtifact),
		jobs:        make(chan job, opts.QueueDepth),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	return u
}

// Backlog reports jobs submitted but not yet settled.
func (u *Uploader) Backlog() int64 { return u.backlog.Load() }

// Submit enqueues an artifact and returns immediately. The object key
// is fixed at submit time, so retries overwrite instead of
// duplicating. A full queue fails the artifact on the spot rather
// than blocking the producer.
func (u *Uploader) Submit(sessionID string, ref *script.ArtifactRef, data []byte) {
	key := fmt.Sprintf("%s/%s/%s/%s",
		sessionID, ref.Category, time.Now().UTC().Format("20060102T150405Z"), ref.Filename)

	u.backlog.Add(1)
	select {
	case u.jobs <- job{sessionID: sessionID, key: key, ref: ref, data: data}:
	default:
		u.backlog.Add(-1)
		u.settle(sessionID, ref, "", fmt.Errorf("upload queue full"))
	}
}

// SinkFor adapts the uploader to one session's artifact sink.
func (u *Uploader) SinkFor(sessionID string) *Sink {
	return &Sink{uploader: u, sessionID: sessionID}
}

// Sink binds Submit to a session id.
type Sink struct {
	uploader  *Uploader
	sessionID string
}

func (s *Sink) Submit(ref *script.ArtifactRef, data []byte) {
	s.uploader.Submit(s.sessionID, ref, data)
}

func (u *Uploader) worker() {
	defer u.wg.Done()
	for j := range u.jobs {
		uri, err := u.upload(j)
		u.backlog.Add(-1)
		u.settle(j.sessionID, j.ref, uri, err)
	}
}

func (u *Uploader) upload(j job) (string, error) {
	var uri string
	op := func() error {
		var err error
		uri, err = u.store.Put(u.ctx, j.key, j.data)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(u.maxAttempts-1)), u.ctx)

	return uri, backoff.Retry(op, policy)
}

func (u *Uploader) settle(sessionID string, ref *script.ArtifactRef, uri string, err error) {
	u.mu.Lock()
	if err != nil {
		ref.State = script.ArtifactFailed
	} else {
		ref.State = script.ArtifactUploaded
		ref.URI = uri
	}
	u.mu.Unlock()

	if err != nil {
		u.log.Warn("artifact upload failed",
			zap.String("session_id", sessionID),
			zap.String("artifact_id", ref.ID),
			zap.Int("attempts", u.maxAttempts),
			zap.Error(err))
	} else {
		u.log.Debug("artifact uploaded",
			zap.String("session_id", sessionID),
			zap.String("uri", uri))
	}
	if u.notify != nil {
		u.notify(sessionID, ref)
	}
}

// Snapshot returns a copy of the ref's settled fields, safe against
// concurrent settlement.
func (u *Uploader) Snapshot(ref *script.ArtifactRef) script.ArtifactRef {
	u.mu.Lock()
	defer u.mu.Unlock()
	return *ref
}

// Close drains the queue and stops the workers. In-flight retries are
// canceled.
func (u *Uploader) Close() {
	close(u.jobs)
	u.cancel()
	u.wg.Wait()
}
