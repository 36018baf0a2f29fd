package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/RoomScan/internal/adapters/storage"
	"github.com/dkeye/RoomScan/internal/app"
	"github.com/dkeye/RoomScan/internal/app/orch"
	"github.com/dkeye/RoomScan/internal/config"
	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/dkeye/RoomScan/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type stubRecon struct {
	mu      sync.Mutex
	ingests []string
}

func (s *stubRecon) InitSession(context.Context, domain.Token) error { return nil }

func (s *stubRecon) IngestChunk(_ context.Context, _ domain.Token, path string) error {
	s.mu.Lock()
	s.ingests = append(s.ingests, path)
	s.mu.Unlock()
	return nil
}

func (s *stubRecon) Finalize(context.Context, domain.Token) (core.FinalizeResult, error) {
	return core.FinalizeResult{MeshPath: "/out/mesh.ply", Vertices: 10, Triangles: 16, TotalFrames: 30}, nil
}

type fixture struct {
	srv   *httptest.Server
	orch  *orch.Orchestrator
	fs    afero.Fs
	recon *stubRecon
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		ReadLimit:  1 << 20,
		SendBuffer: 16,
		Upload:     config.UploadConfig{MaxBytes: maxBytes},
	}
	m := metrics.New()
	fs := afero.NewMemMapFs()
	recon := &stubRecon{}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(nil, m),
		Limiter:  app.NewChunkLimiter(nil, 2, time.Minute),
		Store:    storage.NewChunkStore(fs, "/data"),
		Recon:    recon,
		Metrics:  m,
	}
	o.Monitor = app.NewMonitor(app.DefaultLiveness(), m, o.Evict)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		o.Wait()
	})
	return &fixture{srv: srv, orch: o, fs: fs, recon: recon}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// join dials, sends hello and consumes hello_ack.
func (f *fixture) join(t *testing.T, role string) *websocket.Conn {
	t.Helper()
	c := f.dial(t)
	require.NoError(t, c.WriteJSON(map[string]string{"type": "hello", "role": role, "token": token}))
	ack := readJSON(t, c)
	require.Equal(t, "hello_ack", ack["type"])
	require.Equal(t, role, ack["role"])
	require.Equal(t, token, ack["token"])
	return c
}

func read(t *testing.T, c *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	return mt, data
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	mt, data := read(t, c)
	require.Equal(t, websocket.TextMessage, mt)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func readClose(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}

func TestRelayScenario(t *testing.T) {
	f := newFixture(t, 1<<20)

	viewer := f.join(t, "viewer")
	assert.Equal(t, "phone_disconnected", readJSON(t, viewer)["value"])

	producer := f.join(t, "producer")
	st := readJSON(t, viewer)
	assert.Equal(t, "status", st["type"])
	assert.Equal(t, "phone_connected", st["value"])
	assert.NotZero(t, st["timestamp"])

	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	require.NoError(t, producer.WriteMessage(websocket.BinaryMessage, frame))
	mt, data := read(t, viewer)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, frame, data)

	update := `{"type":"room_update","walls":[[0,0],[4,0]],"area":12.5}`
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(update)))
	mt, data = read(t, viewer)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, update, string(data))

	require.NoError(t, viewer.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"start"}`)))
	ctl := readJSON(t, producer)
	assert.Equal(t, "control", ctl["type"])
	assert.Equal(t, "start", ctl["action"])

	// a second producer supersedes the first
	producer2 := f.join(t, "producer")
	assert.Equal(t, core.CloseSuperseded, readClose(t, producer))
	assert.Equal(t, "phone_connected", readJSON(t, viewer)["value"])

	require.NoError(t, producer2.Close())
	assert.Equal(t, "phone_disconnected", readJSON(t, viewer)["value"])
}

func TestProtocolViolationCloses(t *testing.T) {
	f := newFixture(t, 1<<20)

	c := f.dial(t)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, c))

	c2 := f.dial(t)
	require.NoError(t, c2.WriteJSON(map[string]string{"type": "hello", "role": "viewer", "token": "short"}))
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, c2))
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, content := range files {
		part, err := w.CreateFormFile(field, field[strings.LastIndex(field, "/")+1:])
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, tok, chunkID string, files map[string]string) (*nethttp.Response, map[string]any) {
	t.Helper()
	body, ctype := multipartBody(t, files)
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/sessions/"+tok+"/chunks/"+chunkID, ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestChunkUploadAndFinalize(t *testing.T) {
	f := newFixture(t, 1<<20)
	viewer := f.join(t, "viewer")
	readJSON(t, viewer)

	files := map[string]string{"index.json": `{"frames":[0]}`, "rgb/000000.jpg": "jpeg"}
	resp, out := f.upload(t, token, "chunk_0001", files)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "chunk_0001", out["chunkId"])
	assert.EqualValues(t, 1, out["count"])

	ev := readJSON(t, viewer)
	assert.Equal(t, "chunk_uploaded", ev["type"])
	assert.Equal(t, "chunk_0001", ev["chunkId"])
	assert.EqualValues(t, 1, ev["count"])

	b, err := afero.ReadFile(f.fs, "/data/"+token+"/chunks/chunk_0001/rgb/000000.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))

	resp, _ = f.upload(t, token, "chunk_0002", files)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	readJSON(t, viewer)

	resp, out = f.upload(t, token, "chunk_0003", files)
	assert.Equal(t, nethttp.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "chunk upload rate limit exceeded", out["error"])

	resp, _ = f.upload(t, "nope", "chunk_0003", files)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	resp, _ = f.upload(t, token, "bad.id", files)
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 2, f.sessionInfo(t).Chunks)

	fin, err := f.srv.Client().Post(f.srv.URL+"/api/sessions/"+token+"/finalize", "application/json", nil)
	require.NoError(t, err)
	defer fin.Body.Close()
	require.Equal(t, nethttp.StatusOK, fin.StatusCode)
	var res FinalizeResponse
	require.NoError(t, json.NewDecoder(fin.Body).Decode(&res))
	assert.Equal(t, "/out/mesh.ply", res.MeshPath)
	assert.Equal(t, 30, res.TotalFrames)

	ev = readJSON(t, viewer)
	assert.Equal(t, "export_ready", ev["type"])
	assert.Equal(t, "/out/mesh.ply", ev["meshPath"])
	assert.EqualValues(t, 10, ev["vertices"])
	assert.EqualValues(t, 16, ev["triangles"])

	// a finalized scan starts counting again
	si := f.sessionInfo(t)
	assert.Equal(t, 0, si.Chunks)
	assert.Equal(t, 1, si.Viewers)
	assert.False(t, si.Producer)
}

func (f *fixture) sessionInfo(t *testing.T) domain.SessionInfo {
	t.Helper()
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/sessions/" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var si domain.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&si))
	return si
}

func TestChunkFilesEndpoint(t *testing.T) {
	f := newFixture(t, 1<<20)
	resp, _ := f.upload(t, token, "chunk_0001", map[string]string{"index.json": "{}", "rgb/000000.jpg": "jpeg"})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	get := func(path string) (*nethttp.Response, []byte) {
		resp, err := f.srv.Client().Get(f.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		return resp, buf.Bytes()
	}

	resp, body := get("/api/sessions/" + token + "/chunks/chunk_0001")
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var out ChunkFilesResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "chunk_0001", out.ChunkID)
	assert.ElementsMatch(t, []string{"index.json", "rgb/000000.jpg"}, out.Files)

	resp, _ = get("/api/sessions/" + token + "/chunks/chunk_0009")
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	resp, _ = get("/api/sessions/" + token + "/chunks/bad.id")
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
}

func TestFailedUploadsKeepQuota(t *testing.T) {
	f := newFixture(t, 1<<20)

	for i := 0; i < 3; i++ {
		resp, err := f.srv.Client().Post(f.srv.URL+"/api/sessions/"+token+"/chunks/c1", "text/plain", strings.NewReader("not multipart"))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	}
	for i := 1; i <= 2; i++ {
		resp, out := f.upload(t, token, "c1", map[string]string{"index.json": "{}"})
		require.Equal(t, nethttp.StatusOK, resp.StatusCode, "upload %d", i)
		assert.EqualValues(t, i, out["count"])
	}
	resp, _ := f.upload(t, token, "c2", map[string]string{"index.json": "{}"})
	assert.Equal(t, nethttp.StatusTooManyRequests, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, 64)
	resp, out := f.upload(t, token, "c1", map[string]string{"index.json": strings.Repeat("x", 256)})
	assert.Equal(t, nethttp.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "chunk too large", out["error"])
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, 1<<20)
	client := f.srv.Client()

	resp, err := client.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp, err = client.Post(f.srv.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	var tr TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	_, err = domain.ParseToken(tr.Token)
	assert.NoError(t, err)

	resp, err = client.Get(f.srv.URL + "/api/sessions/" + tr.Token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)

	resp, err = client.Get(f.srv.URL + "/api/sessions/xyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)

	viewer := f.join(t, "viewer")
	readJSON(t, viewer)
	resp, err = client.Get(f.srv.URL + "/api/metrics")
	require.NoError(t, err)
	snap := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Contains(t, snap, metrics.Connections)
}
