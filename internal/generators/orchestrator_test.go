package generators

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fallora/internal/errs"
	"fallora/internal/models"
)

// fakeAPI serves the generation endpoints from canned responses.
type fakeAPI struct {
	mu          sync.Mutex
	submitted   []map[string]any
	statusCalls int

	submitStatus int
	submitBody   string
	// jobStatus returns the HTTP status and body for the nth status call (1-based).
	jobStatus func(n int) (int, string)
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		f.mu.Lock()
		f.submitted = append(f.submitted, m)
		f.mu.Unlock()

		status := f.submitStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if f.submitBody != "" {
			_, _ = io.WriteString(w, f.submitBody)
			return
		}
		_, _ = io.WriteString(w, `{"job_id":"job-1"}`)
	})
	r.Get("/api/job/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.statusCalls++
		n := f.statusCalls
		f.mu.Unlock()

		status, body := f.jobStatus(n)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
	return r
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type countingSleeper struct {
	mu    sync.Mutex
	count int
	total time.Duration
}

func (s *countingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.count++
	s.total += d
	s.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(t *testing.T, f *fakeAPI, opts ...Option) (*Orchestrator, *countingSleeper) {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	sl := &countingSleeper{}
	client := NewAPIClient(srv.URL, 5*time.Second, zerolog.Nop())
	all := append([]Option{WithSleeper(sl.sleep)}, opts...)
	return NewOrchestrator(client, all...), sl
}

const pending = `{"status":"pending"}`

func TestBuildRequestReferenceModeOff(t *testing.T) {
	req := BuildRequest(BuildParams{
		BaseModel:     models.BaseModelFluxLora,
		Loras:         []models.LoraSpec{models.GenericLora("a", 1)},
		Prompt:        "a cat",
		Resolution:    "1024x1024",
		Seed:          42,
		ReferenceURL:  "http://img/ref.png",
		ReferenceMode: false,
	})

	raw, _ := json.Marshal(req)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	if _, ok := m["reference_image_url"]; ok {
		t.Fatalf("reference_image_url must be absent: %s", raw)
	}
	if m["base_model"] != models.BaseModelFluxLora {
		t.Fatalf("base_model changed: %v", m["base_model"])
	}
}

func TestBuildRequestReferenceModeOn(t *testing.T) {
	for _, base := range []string{models.BaseModelFluxLora, models.BaseModelQwenImage, models.BaseModelFluxDepth} {
		req := BuildRequest(BuildParams{
			BaseModel:     base,
			Prompt:        "a cat",
			Resolution:    "1024x1024",
			Seed:          1,
			ReferenceURL:  "http://img/ref.png",
			ReferenceMode: true,
		})
		if req.BaseModel != models.ControlLoraDepthModel {
			t.Fatalf("base model %s not overridden: %s", base, req.BaseModel)
		}
		if req.ReferenceImageURL != "http://img/ref.png" {
			t.Fatalf("reference url missing for %s", base)
		}
	}
}

func TestBuildRequestReferenceModeOnWithoutURL(t *testing.T) {
	req := BuildRequest(BuildParams{BaseModel: models.BaseModelFluxDepth, ReferenceMode: true})
	if req.BaseModel != models.BaseModelFluxDepth || req.ReferenceImageURL != "" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Loras == nil {
		t.Fatalf("loras should serialize as an empty list")
	}
}

func TestPollTimesOutAfterMaxAttempts(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) { return http.StatusOK, pending }}
	o, sl := newTestOrchestrator(t, f)

	_, err := o.Poll(context.Background(), "job-1")
	if !errs.IsJobTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if errs.IsJobFailure(err) {
		t.Fatalf("timeout must not be reported as job failure")
	}
	if got := f.calls(); got != DefaultMaxPollAttempts {
		t.Fatalf("status fetched %d times, want %d", got, DefaultMaxPollAttempts)
	}
	if sl.count != DefaultMaxPollAttempts-1 {
		t.Fatalf("slept %d times, want %d", sl.count, DefaultMaxPollAttempts-1)
	}
	if sl.total != time.Duration(DefaultMaxPollAttempts-1)*DefaultPollInterval {
		t.Fatalf("unexpected total wait %v", sl.total)
	}
}

func TestPollCompletesAfterPending(t *testing.T) {
	f := &fakeAPI{jobStatus: func(n int) (int, string) {
		if n < 3 {
			return http.StatusOK, pending
		}
		return http.StatusOK, `{"status":"completed","result":{"images":[{"url":"http://img/1.png"}]}}`
	}}
	o, _ := newTestOrchestrator(t, f)

	res, err := o.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "http://img/1.png" {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.calls() != 3 {
		t.Fatalf("expected 3 status calls, got %d", f.calls())
	}
}

func TestPollJobFailed(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) { return http.StatusOK, `{"status":"failed","error":"nsfw content"}` }}
	o, _ := newTestOrchestrator(t, f)

	_, err := o.Poll(context.Background(), "job-1")
	if !errs.IsJobFailure(err) || err.Error() != "nsfw content" {
		t.Fatalf("expected job failure with server message, got %v", err)
	}

	f2 := &fakeAPI{jobStatus: func(int) (int, string) { return http.StatusOK, `{"status":"failed"}` }}
	o2, _ := newTestOrchestrator(t, f2)
	if _, err := o2.Poll(context.Background(), "job-1"); err == nil || err.Error() != "Job failed" {
		t.Fatalf("expected generic failure message, got %v", err)
	}
}

func TestPollHTTPErrorIsFatal(t *testing.T) {
	f := &fakeAPI{jobStatus: func(n int) (int, string) {
		if n == 1 {
			return http.StatusOK, pending
		}
		return http.StatusInternalServerError, `{"error":"oops"}`
	}}
	o, _ := newTestOrchestrator(t, f)

	_, err := o.Poll(context.Background(), "job-1")
	if !errs.IsTransport(err) || errs.StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("expected transport error with status 500, got %v", err)
	}
	if err.Error() != "Failed to check job status: 500" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if f.calls() != 2 {
		t.Fatalf("expected polling to stop after the failed fetch, got %d calls", f.calls())
	}
}

func TestPollCanceled(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) { return http.StatusOK, pending }}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	o, _ := newTestOrchestrator(t, f, WithSleeper(func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ctx.Err()
	}))

	_, err := o.Poll(ctx, "job-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls() != 2 {
		t.Fatalf("expected 2 status calls before cancel, got %d", f.calls())
	}
}

func TestSubmitErrors(t *testing.T) {
	f := &fakeAPI{submitStatus: http.StatusBadRequest, submitBody: `{"error":"Invalid base model"}`}
	o, _ := newTestOrchestrator(t, f)
	_, err := o.Submit(context.Background(), &models.GenerationRequest{})
	if !errs.IsTransport(err) || err.Error() != "Invalid base model" {
		t.Fatalf("expected server message, got %v", err)
	}

	f = &fakeAPI{submitStatus: http.StatusBadGateway, submitBody: "<html>bad gateway</html>"}
	o, _ = newTestOrchestrator(t, f)
	_, err = o.Submit(context.Background(), &models.GenerationRequest{})
	if err == nil || err.Error() != "HTTP error! status: 502" {
		t.Fatalf("expected generic status message, got %v", err)
	}

	f = &fakeAPI{submitBody: `{}`}
	o, _ = newTestOrchestrator(t, f)
	if _, err = o.Submit(context.Background(), &models.GenerationRequest{}); !errs.IsTransport(err) {
		t.Fatalf("expected error for missing job_id, got %v", err)
	}
}

func TestGenerateEmptyResult(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) {
		return http.StatusOK, `{"status":"completed","result":{"images":[]}}`
	}}
	o, _ := newTestOrchestrator(t, f)

	_, err := o.Generate(context.Background(), &models.GenerationRequest{Prompt: "x"})
	if !errs.IsEmptyResult(err) {
		t.Fatalf("expected empty result error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "image generation failed: ") || !strings.Contains(err.Error(), "No images returned") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestGenerateImageWithoutURL(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) {
		return http.StatusOK, `{"status":"completed","result":{"images":[{"width":512}]}}`
	}}
	o, _ := newTestOrchestrator(t, f)

	if _, err := o.Generate(context.Background(), &models.GenerationRequest{}); !errs.IsEmptyResult(err) {
		t.Fatalf("expected empty result error, got %v", err)
	}
}

func TestGenerateSendsRequestBody(t *testing.T) {
	f := &fakeAPI{jobStatus: func(int) (int, string) {
		return http.StatusOK, `{"status":"completed","result":{"images":[{"url":"http://img/out.png"}]}}`
	}}
	o, _ := newTestOrchestrator(t, f)

	req := o.Build(BuildParams{
		BaseModel:      models.BaseModelWanLora,
		Loras:          []models.LoraSpec{models.DualSlotLora("low-model", models.TransformerLow)},
		Prompt:         "castle",
		Resolution:     "768x768",
		Seed:           99,
		NegativePrompt: "blurry",
	})
	res, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Images[0].URL != "http://img/out.png" {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(f.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(f.submitted))
	}
	got := f.submitted[0]
	if got["base_model"] != models.BaseModelWanLora || got["seed"] != float64(99) || got["negative_prompt"] != "blurry" {
		t.Fatalf("unexpected body %v", got)
	}
	loras := got["loras"].([]any)
	lo := loras[0].(map[string]any)
	if _, hasWeight := lo["weight"]; hasWeight || lo["transformer"] != "low" {
		t.Fatalf("unexpected dual-slot lora %v", lo)
	}
}
