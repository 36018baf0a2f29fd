package core

import (
	"context"
	"errors"
	"io"

	"github.com/dkeye/RoomScan/internal/domain"
)

// FinalizeResult is what the reconstruction worker reports for a finished scan.
type FinalizeResult struct {
	MeshPath    string `json:"mesh_path"`
	Vertices    int    `json:"vertices"`
	Triangles   int    `json:"triangles"`
	TotalFrames int    `json:"total_frames"`
}

// Reconstructor is the external 3D reconstruction collaborator.
type Reconstructor interface {
	InitSession(ctx context.Context, token domain.Token) error
	IngestChunk(ctx context.Context, token domain.Token, chunkPath string) error
	Finalize(ctx context.Context, token domain.Token) (FinalizeResult, error)
}

var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore persists uploaded chunk files so the worker can read them.
type ChunkStore interface {
	Put(token domain.Token, chunkID, name string, r io.Reader) error
	ChunkPath(token domain.Token, chunkID string) string
	// Files lists the stored names of one chunk, relative to ChunkPath.
	Files(token domain.Token, chunkID string) ([]string, error)
}

// NopReconstructor is used when no worker is configured.
type NopReconstructor struct{}

func (NopReconstructor) InitSession(context.Context, domain.Token) error { return nil }
func (NopReconstructor) IngestChunk(context.Context, domain.Token, string) error {
	return nil
}
func (NopReconstructor) Finalize(context.Context, domain.Token) (FinalizeResult, error) {
	return FinalizeResult{}, nil
}
