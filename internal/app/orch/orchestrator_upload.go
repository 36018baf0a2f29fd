package orch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/dkeye/RoomScan/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidChunkID = errors.New("orch: invalid chunk id")
	ErrRateLimited    = errors.New("chunk upload rate limit exceeded")
	ErrBadUpload      = errors.New("orch: bad chunk upload")
	ErrStore          = errors.New("orch: chunk store failed")
	ErrReconstruct    = errors.New("orch: reconstruction failed")
)

var chunkIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const defaultReconTimeout = 5 * time.Minute

// UploadFile is one file of a chunk upload. Name is relative to the chunk directory.
type UploadFile struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileSource yields the files of an upload. It runs only after the
// upload is admitted, so rejected uploads are never read.
type FileSource func() ([]UploadFile, error)

func Files(files ...UploadFile) FileSource {
	return func() ([]UploadFile, error) { return files, nil }
}

type uploadState struct {
	// mu serializes worker calls for one token so InitSession runs first.
	mu     sync.Mutex
	chunks int
	inited bool

	pmu     sync.Mutex
	idle    *sync.Cond
	pending int
}

func newUploadState() *uploadState {
	st := &uploadState{}
	st.idle = sync.NewCond(&st.pmu)
	return st
}

func (st *uploadState) begin() {
	st.pmu.Lock()
	st.pending++
	st.pmu.Unlock()
}

func (st *uploadState) done() {
	st.pmu.Lock()
	st.pending--
	if st.pending == 0 {
		st.idle.Broadcast()
	}
	st.pmu.Unlock()
}

// waitIdle returns once every ingest started so far has finished.
func (st *uploadState) waitIdle() {
	st.pmu.Lock()
	for st.pending > 0 {
		st.idle.Wait()
	}
	st.pmu.Unlock()
}

func (o *Orchestrator) upload(token domain.Token, create bool) *uploadState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploads == nil {
		o.uploads = make(map[domain.Token]*uploadState)
	}
	st, ok := o.uploads[token]
	if !ok && create {
		st = newUploadState()
		o.uploads[token] = st
	}
	return st
}

// UploadChunk stores one chunk, notifies viewers and hands the chunk to
// the reconstruction worker in the background. It returns the number of
// chunks accepted for token so far.
func (o *Orchestrator) UploadChunk(ctx context.Context, token domain.Token, chunkID string, src FileSource) (int, error) {
	if !chunkIDPattern.MatchString(chunkID) {
		return 0, ErrInvalidChunkID
	}
	if o.Limiter != nil {
		if ok, _ := o.Limiter.AllowContext(ctx, token); !ok {
			o.metrics().Incr(metrics.UploadsRejected, 1)
			return 0, ErrRateLimited
		}
	}

	n, err := o.storeChunk(token, chunkID, src)
	if err != nil {
		// failed uploads do not use up the window
		if o.Limiter != nil {
			o.Limiter.Release(context.WithoutCancel(ctx), token)
		}
		o.metrics().Incr(metrics.UploadsRejected, 1)
		return 0, err
	}

	st := o.upload(token, true)
	o.mu.Lock()
	st.chunks++
	count := st.chunks
	o.mu.Unlock()

	o.metrics().Incr(metrics.UploadsAccepted, 1)
	o.Registry.FanOut(token, core.Text(protocol.MustEncode(protocol.ChunkUploaded{ChunkID: chunkID, Count: count})))
	log.Info().
		Str("module", "orch.upload").
		Str("token", token.Short()).
		Str("chunk", chunkID).
		Int("files", n).
		Int("count", count).
		Msg("chunk accepted")

	o.ingest(st, token, chunkID)
	return count, nil
}

func (o *Orchestrator) storeChunk(token domain.Token, chunkID string, src FileSource) (int, error) {
	files, err := src()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadUpload, err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("%w: no files", ErrBadUpload)
	}
	for _, f := range files {
		if err := o.storeFile(token, chunkID, f); err != nil {
			log.Error().Err(err).Str("module", "orch.upload").Str("token", token.Short()).Str("chunk", chunkID).Msg("store failed")
			return 0, fmt.Errorf("%w: %v", ErrStore, err)
		}
	}
	return len(files), nil
}

func (o *Orchestrator) storeFile(token domain.Token, chunkID string, f UploadFile) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return o.Store.Put(token, chunkID, f.Name, rc)
}

func (o *Orchestrator) ingest(st *uploadState, token domain.Token, chunkID string) {
	if o.Recon == nil || o.Store == nil {
		return
	}
	path := o.Store.ChunkPath(token, chunkID)
	o.bg.Add(1)
	st.begin()
	go func() {
		defer o.bg.Done()
		defer st.done()
		ctx, cancel := context.WithTimeout(context.Background(), o.reconTimeout())
		defer cancel()

		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.inited {
			if err := o.Recon.InitSession(ctx, token); err != nil {
				log.Error().Err(err).Str("module", "orch.upload").Str("token", token.Short()).Msg("init_session failed")
				return
			}
			st.inited = true
		}
		if err := o.Recon.IngestChunk(ctx, token, path); err != nil {
			log.Error().Err(err).Str("module", "orch.upload").Str("token", token.Short()).Str("chunk", chunkID).Msg("ingest_chunk failed")
		}
	}()
}

func (o *Orchestrator) reconTimeout() time.Duration {
	if o.ReconTimeout > 0 {
		return o.ReconTimeout
	}
	return defaultReconTimeout
}

// Finalize asks the worker for the mesh and announces it to viewers.
func (o *Orchestrator) Finalize(ctx context.Context, token domain.Token) (core.FinalizeResult, error) {
	if o.Recon == nil {
		return core.FinalizeResult{}, fmt.Errorf("%w: no reconstructor", ErrReconstruct)
	}
	ctx, cancel := context.WithTimeout(ctx, o.reconTimeout())
	defer cancel()

	// wait for in-flight ingests of this token
	st := o.upload(token, false)
	if st != nil {
		st.waitIdle()
		st.mu.Lock()
		defer st.mu.Unlock()
	}

	res, err := o.Recon.Finalize(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("module", "orch.upload").Str("token", token.Short()).Msg("finalize failed")
		return core.FinalizeResult{}, fmt.Errorf("%w: %v", ErrReconstruct, err)
	}
	// the scan is done; a later chunk starts a new worker session
	if st != nil {
		o.mu.Lock()
		if o.uploads[token] == st {
			delete(o.uploads, token)
		}
		o.mu.Unlock()
	}
	o.Registry.FanOut(token, core.Text(protocol.MustEncode(protocol.ExportReady{
		MeshPath:  res.MeshPath,
		Vertices:  res.Vertices,
		Triangles: res.Triangles,
	})))
	log.Info().
		Str("module", "orch.upload").
		Str("token", token.Short()).
		Str("mesh", res.MeshPath).
		Int("vertices", res.Vertices).
		Int("triangles", res.Triangles).
		Msg("export ready")
	return res, nil
}

// ChunkFiles lists the stored files of one chunk.
func (o *Orchestrator) ChunkFiles(token domain.Token, chunkID string) ([]string, error) {
	if !chunkIDPattern.MatchString(chunkID) {
		return nil, ErrInvalidChunkID
	}
	if o.Store == nil {
		return nil, core.ErrChunkNotFound
	}
	return o.Store.Files(token, chunkID)
}

// Info merges live membership with upload progress. It reports false
// when token has neither.
func (o *Orchestrator) Info(token domain.Token) (domain.SessionInfo, bool) {
	info, ok := o.Registry.Info(token)
	if st := o.upload(token, false); st != nil {
		o.mu.Lock()
		info.Chunks = st.chunks
		o.mu.Unlock()
		ok = true
	}
	return info, ok
}
