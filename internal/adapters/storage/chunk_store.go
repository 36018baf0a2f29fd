// Package storage keeps uploaded chunk files on an afero filesystem.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/spf13/afero"
)

var ErrInvalidPath = errors.New("storage: invalid path")

// ChunkStore lays chunks out as <root>/<token>/chunks/<chunkID>/<name>.
type ChunkStore struct {
	fs   afero.Fs
	root string
}

func NewChunkStore(fs afero.Fs, root string) *ChunkStore {
	return &ChunkStore{fs: fs, root: root}
}

// NewOsChunkStore stores chunks on disk under root.
func NewOsChunkStore(root string) *ChunkStore {
	return NewChunkStore(afero.NewOsFs(), root)
}

func (s *ChunkStore) ChunkPath(token domain.Token, chunkID string) string {
	return filepath.Join(s.root, string(token), "chunks", chunkID)
}

func (s *ChunkStore) Put(token domain.Token, chunkID, name string, r io.Reader) error {
	if token == "" || !validSegment(chunkID) {
		return fmt.Errorf("%w: chunk %q", ErrInvalidPath, chunkID)
	}
	rel, err := cleanRel(name)
	if err != nil {
		return err
	}
	full := filepath.Join(s.ChunkPath(token, chunkID), rel)
	if err := afero.WriteReader(s.fs, full, r); err != nil {
		return fmt.Errorf("storage: write %s: %w", rel, err)
	}
	return nil
}

// Files lists the relative names stored for one chunk, slash separated.
// A chunk that was never stored lists as core.ErrChunkNotFound.
func (s *ChunkStore) Files(token domain.Token, chunkID string) ([]string, error) {
	if token == "" || !validSegment(chunkID) {
		return nil, fmt.Errorf("%w: chunk %q", ErrInvalidPath, chunkID)
	}
	dir := s.ChunkPath(token, chunkID)
	if ok, err := afero.DirExists(s.fs, dir); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrChunkNotFound, token.Short(), chunkID)
	}
	var out []string
	err := afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func cleanRel(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return clean, nil
}
