package http

import (
	"errors"
	"io"
	nethttp "net/http"
	"sort"

	"github.com/dkeye/RoomScan/internal/app/orch"
	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch     *orch.Orchestrator
	maxBytes int64
}

type TokenResponse struct {
	Token string `json:"token"`
}

type ChunkResponse struct {
	Status  string `json:"status"`
	ChunkID string `json:"chunkId"`
	Count   int    `json:"count"`
}

type ChunkFilesResponse struct {
	ChunkID string   `json:"chunkId"`
	Files   []string `json:"files"`
}

type FinalizeResponse struct {
	Status      string `json:"status"`
	Token       string `json:"token"`
	MeshPath    string `json:"mesh_path"`
	Vertices    int    `json:"vertices"`
	Triangles   int    `json:"triangles"`
	TotalFrames int    `json:"total_frames"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) createSession(c *gin.Context) {
	token, err := domain.NewToken()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("token generation failed")
		c.JSON(nethttp.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("token", token.Short()).Msg("minted token")
	c.JSON(nethttp.StatusCreated, TokenResponse{Token: string(token)})
}

func (h *handlers) sessionInfo(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	info, found := h.orch.Info(token)
	if !found {
		c.JSON(nethttp.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(nethttp.StatusOK, info)
}

func (h *handlers) uploadChunk(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	if h.maxBytes > 0 {
		c.Request.Body = nethttp.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	chunkID := c.Param("chunkId")
	count, err := h.orch.UploadChunk(c.Request.Context(), token, chunkID, func() ([]orch.UploadFile, error) {
		if h.maxBytes > 0 && c.Request.ContentLength > h.maxBytes {
			return nil, &nethttp.MaxBytesError{Limit: h.maxBytes}
		}
		return formFiles(c)
	})
	var tooLarge *nethttp.MaxBytesError
	switch {
	case err == nil:
		c.JSON(nethttp.StatusOK, ChunkResponse{Status: "ok", ChunkID: chunkID, Count: count})
	case errors.Is(err, orch.ErrInvalidChunkID):
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid chunk id"})
	case errors.Is(err, orch.ErrRateLimited):
		c.JSON(nethttp.StatusTooManyRequests, gin.H{"error": orch.ErrRateLimited.Error()})
	case errors.As(err, &tooLarge):
		c.JSON(nethttp.StatusRequestEntityTooLarge, gin.H{"error": "chunk too large"})
	case errors.Is(err, orch.ErrBadUpload):
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(nethttp.StatusInternalServerError, gin.H{"error": "chunk store failed"})
	}
}

// formFiles stores each part under its form field name, which carries the
// path inside the chunk directory (index.json, rgb/000001.jpg, ...).
func formFiles(c *gin.Context) ([]orch.UploadFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []orch.UploadFile
	for _, field := range fields {
		for _, fh := range form.File[field] {
			files = append(files, orch.UploadFile{
				Name: field,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return files, nil
}

func (h *handlers) chunkFiles(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	chunkID := c.Param("chunkId")
	files, err := h.orch.ChunkFiles(token, chunkID)
	switch {
	case errors.Is(err, orch.ErrInvalidChunkID):
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid chunk id"})
	case errors.Is(err, core.ErrChunkNotFound):
		c.JSON(nethttp.StatusNotFound, gin.H{"error": "chunk not found"})
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Str("token", token.Short()).Str("chunk", chunkID).Msg("list chunk failed")
		c.JSON(nethttp.StatusInternalServerError, gin.H{"error": "list chunk failed"})
	default:
		c.JSON(nethttp.StatusOK, ChunkFilesResponse{ChunkID: chunkID, Files: files})
	}
}

func (h *handlers) finalize(c *gin.Context) {
	token, ok := h.token(c)
	if !ok {
		return
	}
	res, err := h.orch.Finalize(c.Request.Context(), token)
	if err != nil {
		c.JSON(nethttp.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(nethttp.StatusOK, FinalizeResponse{
		Status:      "ok",
		Token:       string(token),
		MeshPath:    res.MeshPath,
		Vertices:    res.Vertices,
		Triangles:   res.Triangles,
		TotalFrames: res.TotalFrames,
	})
}

func (h *handlers) metrics(c *gin.Context) {
	snap, err := h.orch.MetricsSnapshot()
	if err != nil {
		c.JSON(nethttp.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(nethttp.StatusOK, snap)
}

func (h *handlers) token(c *gin.Context) (domain.Token, bool) {
	token, err := domain.ParseToken(c.Param("token"))
	if err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid token"})
		return "", false
	}
	return token, true
}
