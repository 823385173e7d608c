package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"fallora/internal/models"
)

type fakeAPI struct {
	*httptest.Server

	mu        sync.Mutex
	submitted []models.GenerationRequest
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	r := chi.NewRouter()
	r.Post("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req models.GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.submitted = append(f.submitted, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.SubmitResponse{JobID: "job-1"})
	})
	r.Get("/api/job/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.JobStatusResponse{
			Status: models.JobCompleted,
			Result: &models.GenerationResult{Images: []models.GeneratedImage{{URL: "http://cdn.test/images/out.png"}}},
		})
	})
	r.Get("/api/civitai-loras", func(w http.ResponseWriter, r *http.Request) {
		resp := models.CatalogResponse{Available: true}
		switch {
		case r.URL.Query().Get("base_model") == "":
			resp.BaseModelMapping = map[string]string{models.BaseModelFluxLora: "flux"}
		case r.URL.Query().Get("category") == "style":
			resp.Loras = models.LoraNames{"Ink Wash": "11"}
		default:
			resp.Loras = models.LoraNames{"Hero": "1", "Villain": "2"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Get("/api/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + r.URL.Query().Get("url")))
	})
	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) requests() []models.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GenerationRequest(nil), f.submitted...)
}

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `api:
  base_url: ` + apiURL + `
poll:
  interval: 1ms
  max_attempts: 5
storage:
  backend: file
  path: ` + filepath.Join(dir, "state.json") + `
history:
  capacity: 10
logging:
  level: "off"
`
	path := filepath.Join(dir, "fallora.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestGenerateCommand(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, api.URL)
	dl := t.TempDir()

	out, errOut, err := run(t, "", "--config", cfg, "generate",
		"--prompt", "a knight",
		"--seed", "42",
		"--lora", "owner/knight:0.8",
		"--lora", "https://example.com/extra.safetensors",
		"--civitai", "Hero:0.7",
		"--download", dl)
	if err != nil {
		t.Fatalf("generate: %v (stderr %s)", err, errOut)
	}
	if strings.TrimSpace(out) != "http://cdn.test/images/out.png" {
		t.Fatalf("stdout = %q", out)
	}
	if !strings.Contains(errOut, "Added Civitai LoRA: Hero") || !strings.Contains(errOut, "Image generated successfully!") {
		t.Fatalf("missing notifications in %q", errOut)
	}

	reqs := api.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one submission, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Seed != 42 || req.BaseModel != models.BaseModelFluxLora || len(req.Loras) != 3 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Loras[1].Model != "https://example.com/extra.safetensors" || req.Loras[1].Weight != 1 {
		t.Fatalf("url lora parsed as %+v", req.Loras[1])
	}
	if req.Loras[2].Kind != models.LoraCatalog || req.Loras[2].Weight != 0.7 {
		t.Fatalf("catalog lora %+v", req.Loras[2])
	}

	data, err := os.ReadFile(filepath.Join(dl, "out.png"))
	if err != nil || string(data) != "png:http://cdn.test/images/out.png" {
		t.Fatalf("downloaded %q, %v", data, err)
	}

	out, _, err = run(t, "", "--config", cfg, "history", "list", "--json")
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	var entries []models.HistoryEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) != 1 {
		t.Fatalf("history %q: %v", out, err)
	}
	if entries[0].Prompt != "a knight" || entries[0].Seed != 42 {
		t.Fatalf("history entry %+v", entries[0])
	}
}

func TestGenerateValidationError(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, api.URL)

	_, _, err := run(t, "", "--config", cfg, "generate", "--lora", "owner/knight")
	if err == nil || err.Error() != "Please fill in all required fields." {
		t.Fatalf("expected required fields error, got %v", err)
	}
	if len(api.requests()) != 0 {
		t.Fatalf("request submitted despite validation failure")
	}
}

func TestHistoryClearConfirmation(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, api.URL)

	if _, _, err := run(t, "", "--config", cfg, "generate", "--prompt", "p", "--lora", "m"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	out, _, err := run(t, "n\n", "--config", cfg, "history", "clear")
	if err != nil || strings.Contains(out, "history cleared") {
		t.Fatalf("declined clear: %q %v", out, err)
	}
	out, _, _ = run(t, "", "--config", cfg, "history", "list")
	if strings.Contains(out, "no history") {
		t.Fatalf("history emptied without confirmation")
	}

	out, _, err = run(t, "", "--config", cfg, "history", "clear", "--yes")
	if err != nil || !strings.Contains(out, "history cleared") {
		t.Fatalf("confirmed clear: %q %v", out, err)
	}
	out, _, _ = run(t, "", "--config", cfg, "history", "list")
	if !strings.Contains(out, "no history") {
		t.Fatalf("history not empty: %q", out)
	}
}

func TestLorasCommand(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, api.URL)

	out, _, err := run(t, "", "--config", cfg, "loras")
	if err != nil {
		t.Fatalf("loras: %v", err)
	}
	for _, want := range []string{"civitai (2):", "Hero", "style (1):", "Ink Wash"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	out, _, err = run(t, "", "--config", cfg, "loras", models.BaseModelFluxDepth)
	if err != nil || !strings.Contains(out, "civitai: not available") || !strings.Contains(out, "style: not available") {
		t.Fatalf("depth model output %q: %v", out, err)
	}
}

func TestSplitWeight(t *testing.T) {
	cases := []struct {
		in, model, weight string
	}{
		{"owner/model", "owner/model", ""},
		{"owner/model:0.5", "owner/model", "0.5"},
		{"https://host/x.safetensors", "https://host/x.safetensors", ""},
		{"https://host:8080/x.safetensors:1.2", "https://host:8080/x.safetensors", "1.2"},
		{"Hero:", "Hero:", ""},
	}
	for _, c := range cases {
		m, w := splitWeight(c.in)
		if m != c.model || w != c.weight {
			t.Fatalf("splitWeight(%q) = %q, %q", c.in, m, w)
		}
	}
}
