package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"fallora/internal/config"
	"fallora/internal/generators"
	"fallora/internal/history"
	"fallora/internal/interfaces"
	"fallora/internal/models"
	"fallora/internal/reference"
	"fallora/internal/session"
	"fallora/internal/storage"
)

type fakeGenAPI struct{}

func (fakeGenAPI) SubmitGeneration(context.Context, *models.GenerationRequest) (string, error) {
	return "job-1", nil
}

func (fakeGenAPI) JobStatus(context.Context, string) (*models.JobStatusResponse, error) {
	return &models.JobStatusResponse{
		Status: models.JobCompleted,
		Result: &models.GenerationResult{Images: []models.GeneratedImage{{URL: "http://cdn/out.png"}}},
	}, nil
}

type fakeRefAPI struct{ uploads atomic.Int32 }

func (f *fakeRefAPI) UploadReference(_ context.Context, file interfaces.ReferenceFile) (string, error) {
	f.uploads.Inc()
	_, _ = io.Copy(io.Discard, file.Body)
	return "http://cdn/" + file.Name, nil
}

func (f *fakeRefAPI) AnalyzeImage(context.Context, string, models.PhysicalAttributes) (string, error) {
	return "cliffside ruins", nil
}

type fakeDownloader struct{ calls atomic.Int32 }

func (d *fakeDownloader) Download(_ context.Context, imageURL, _ string) ([]byte, string, error) {
	d.calls.Inc()
	return []byte("bytes:" + imageURL), "image/png", nil
}

type unreachableDownloader struct{ fakeDownloader }

func (*unreachableDownloader) HealthCheck(context.Context) error {
	return errors.New("connection refused")
}

type testServer struct {
	*httptest.Server
	ref  *fakeRefAPI
	dl   *fakeDownloader
	hist *history.Store
	kv   *storage.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dl := &fakeDownloader{}
	s := newTestServerWith(t, config.Default().Server, dl)
	s.dl = dl
	return s
}

func newTestServerWith(t *testing.T, cfg config.ServerConfig, dl interfaces.Downloader) *testServer {
	t.Helper()
	kv := storage.NewMemoryStore()
	ref := &fakeRefAPI{}
	hist := history.New(kv)

	deps := session.Deps{
		Orchestrator: generators.NewOrchestrator(fakeGenAPI{},
			generators.WithSleeper(func(context.Context, time.Duration) error { return nil })),
		History:  hist,
		Uploader: ref,
		Analyzer: ref,
		KV:       kv,
		Logger:   zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	cache := generators.NewImageCache(t.TempDir(), 10, time.Hour)
	h := NewHandlers(cfg, deps, hub, cache, dl, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, ref: ref, hist: hist, kv: kv}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, s.URL+path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (s *testServer) createSession(t *testing.T) session.Snapshot {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", resp.StatusCode, data)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func (s *testServer) upload(t *testing.T, id, contentType string, size int) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="reference_image"; filename="ref.png"`)
	hdr.Set("Content-Type", contentType)
	part, _ := mw.CreatePart(hdr)
	_, _ = part.Write(make([]byte, size))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/sessions/"+id+"/reference", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestSessionGenerateFlow(t *testing.T) {
	s := newTestServer(t)
	snap := s.createSession(t)
	base := "/api/sessions/" + snap.ID

	if snap.Form.BaseModel != models.BaseModelFluxLora || len(snap.Entries) != 1 || snap.CanRemoveEntry {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}

	resp, data := s.do(t, http.MethodPost, base+"/generate", nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "Please fill in all required fields.") {
		t.Fatalf("expected validation failure, got %d %s", resp.StatusCode, data)
	}

	prompt := "a knight"
	if resp, data := s.do(t, http.MethodPatch, base+"/form", FormUpdate{Prompt: &prompt}); resp.StatusCode != http.StatusOK {
		t.Fatalf("patch form: %d %s", resp.StatusCode, data)
	}
	if resp, data := s.do(t, http.MethodPut, base+"/loras/"+snap.Entries[0].ID, entryRequest{Model: "owner/knight", Weight: "0.9"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("update lora: %d %s", resp.StatusCode, data)
	}

	resp, data = s.do(t, http.MethodPost, base+"/generate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", resp.StatusCode, data)
	}
	var result models.GenerationResult
	if err := json.Unmarshal(data, &result); err != nil || result.Images[0].URL != "http://cdn/out.png" {
		t.Fatalf("unexpected result %s: %v", data, err)
	}

	resp, data = s.do(t, http.MethodGet, "/api/history", nil)
	var hist struct {
		Entries []models.HistoryEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &hist); err != nil || len(hist.Entries) != 1 {
		t.Fatalf("history: %d %s", resp.StatusCode, data)
	}
	if hist.Entries[0].Loras[0].Model != "owner/knight" || hist.Entries[0].Loras[0].Weight != 0.9 {
		t.Fatalf("history loras %+v", hist.Entries[0].Loras)
	}

	resp, data = s.do(t, http.MethodDelete, "/api/history", nil)
	if !strings.Contains(string(data), `"cleared":false`) {
		t.Fatalf("unconfirmed clear: %d %s", resp.StatusCode, data)
	}
	resp, data = s.do(t, http.MethodDelete, "/api/history?confirm=true", nil)
	if !strings.Contains(string(data), `"cleared":true`) {
		t.Fatalf("confirmed clear: %d %s", resp.StatusCode, data)
	}
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t)
	if resp, _ := s.do(t, http.MethodGet, "/api/sessions/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUploadReference(t *testing.T) {
	s := newTestServer(t)
	snap := s.createSession(t)

	upload := func(contentType string, size int) (*http.Response, []byte) {
		return s.upload(t, snap.ID, contentType, size)
	}

	if resp, data := upload("text/plain", 10); resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "Please select an image file") {
		t.Fatalf("non-image upload: %d %s", resp.StatusCode, data)
	}
	if s.ref.uploads.Load() != 0 {
		t.Fatalf("rejected file reached the API")
	}

	resp, data := upload("image/png", 1024)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "http://cdn/ref.png") {
		t.Fatalf("upload: %d %s", resp.StatusCode, data)
	}

	_, data = s.do(t, http.MethodGet, "/api/sessions/"+snap.ID, nil)
	var got session.Snapshot
	_ = json.Unmarshal(data, &got)
	if got.ReferenceState != "enabled_with_image" || got.ReferenceURL != "http://cdn/ref.png" {
		t.Fatalf("reference not recorded: %+v", got)
	}
}

func TestDownload(t *testing.T) {
	s := newTestServer(t)

	resp, data := s.do(t, http.MethodGet, "/api/download", nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "URL parameter required") {
		t.Fatalf("missing url: %d %s", resp.StatusCode, data)
	}

	for i := 0; i < 2; i++ {
		resp, data = s.do(t, http.MethodGet, "/api/download?url=http://cdn/out.png", nil)
		if resp.StatusCode != http.StatusOK || string(data) != "bytes:http://cdn/out.png" {
			t.Fatalf("download: %d %s", resp.StatusCode, data)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "out.png") {
			t.Fatalf("content disposition %q", cd)
		}
	}
	if s.dl.calls.Load() != 1 {
		t.Fatalf("expected cached second download, calls=%d", s.dl.calls.Load())
	}
}

func TestSessionEventsWebsocket(t *testing.T) {
	s := newTestServer(t)
	snap := s.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/sessions/" + snap.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != "connected" {
		t.Fatalf("welcome: %+v %v", ev, err)
	}

	// Wait for registration so the notification is not published before the
	// client is known to the hub.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, data := s.do(t, http.MethodGet, "/health", nil)
		if strings.Contains(string(data), `"ws_clients":1`) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if resp, _ := s.do(t, http.MethodPost, "/api/sessions/"+snap.ID+"/pickers/style/commit", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected commit failure, got %d", resp.StatusCode)
	}

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	data, _ := json.Marshal(ev.Data)
	var n session.Notification
	_ = json.Unmarshal(data, &n)
	if ev.Type != "notification" || n.Kind != session.KindError || n.Message != "Please select a Style LoRA first." {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/models", nil)

	resp, data := s.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `fallora_http_requests_total{method="GET",route="/api/models",status="200"}`) {
		t.Fatalf("metrics missing request counter: %d", resp.StatusCode)
	}
}

func TestReferenceBackupIsPerSession(t *testing.T) {
	s := newTestServer(t)
	a := s.createSession(t)
	b := s.createSession(t)

	if resp, data := s.upload(t, a.ID, "image/png", 64); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %s", resp.StatusCode, data)
	}
	if _, ok, _ := s.kv.Get(context.Background(), reference.StorageKey); ok {
		t.Fatalf("backup written under the shared key")
	}
	_, data := s.do(t, http.MethodGet, "/api/sessions/"+b.ID, nil)
	var got session.Snapshot
	_ = json.Unmarshal(data, &got)
	if got.ReferenceURL != "" {
		t.Fatalf("session %s sees another session's reference %q", b.ID, got.ReferenceURL)
	}

	key := "session:" + a.ID + ":" + reference.StorageKey
	if v, ok, _ := s.kv.Get(context.Background(), key); !ok || v != "http://cdn/ref.png" {
		t.Fatalf("backup under %s = %q, %v", key, v, ok)
	}
	if resp, _ := s.do(t, http.MethodDelete, "/api/sessions/"+a.ID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete session: %d", resp.StatusCode)
	}
	if _, ok, _ := s.kv.Get(context.Background(), key); ok {
		t.Fatalf("backup kept after session delete")
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	cfg := config.Default().Server
	cfg.SessionTTL = config.Duration{Duration: 50 * time.Millisecond}
	s := newTestServerWith(t, cfg, &fakeDownloader{})
	snap := s.createSession(t)

	if resp, _ := s.do(t, http.MethodGet, "/api/sessions/"+snap.ID, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh session: %d", resp.StatusCode)
	}
	time.Sleep(120 * time.Millisecond)
	if resp, _ := s.do(t, http.MethodGet, "/api/sessions/"+snap.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected idle session to expire, got %d", resp.StatusCode)
	}
}

func TestHealthReportsUnreachableAPI(t *testing.T) {
	s := newTestServerWith(t, config.Default().Server, &unreachableDownloader{})

	resp, data := s.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "degraded" || body["api"] != "unreachable" {
		t.Fatalf("unexpected health %s", data)
	}
}
