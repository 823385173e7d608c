package generators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fallora/internal/errs"
	"fallora/internal/interfaces"
	"fallora/internal/models"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollAttempts = 180
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the wall-clock Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BuildParams is everything the form contributes to a request.
type BuildParams struct {
	BaseModel      string
	Loras          []models.LoraSpec
	Prompt         string
	Resolution     string
	Seed           int
	NegativePrompt string
	ReferenceURL   string
	ReferenceMode  bool
}

// BuildRequest assembles the generation request. With reference mode on and
// a reference URL known, the base model is replaced by the depth control
// model and the URL is attached; with reference mode off the URL is never
// sent.
func BuildRequest(p BuildParams) *models.GenerationRequest {
	req := &models.GenerationRequest{
		BaseModel:      p.BaseModel,
		Loras:          p.Loras,
		Prompt:         p.Prompt,
		Resolution:     p.Resolution,
		Seed:           p.Seed,
		NegativePrompt: p.NegativePrompt,
	}
	if req.Loras == nil {
		req.Loras = []models.LoraSpec{}
	}
	if p.ReferenceMode && p.ReferenceURL != "" {
		req.BaseModel = models.ControlLoraDepthModel
		req.ReferenceImageURL = p.ReferenceURL
	}
	return req
}

// Orchestrator submits generation jobs and polls them to a terminal state.
type Orchestrator struct {
	api         interfaces.GenerationAPI
	interval    time.Duration
	maxAttempts int
	sleep       Sleeper
	logger      zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithSleeper replaces the wait between status fetches.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator over api.
func NewOrchestrator(api interfaces.GenerationAPI, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:         api,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxPollAttempts,
		sleep:       ContextSleep,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxAttempts returns the poll attempt cap.
func (o *Orchestrator) MaxAttempts() int { return o.maxAttempts }

// Build is BuildRequest with diagnostics for the model override and for a
// suppressed reference URL.
func (o *Orchestrator) Build(p BuildParams) *models.GenerationRequest {
	req := BuildRequest(p)
	switch {
	case p.ReferenceURL != "" && p.ReferenceMode:
		o.logger.Debug().
			Str("selected_model", p.BaseModel).
			Str("model", req.BaseModel).
			Str("reference_image_url", p.ReferenceURL).
			Msg("reference image attached, switching base model")
	case p.ReferenceURL != "" && !p.ReferenceMode:
		o.logger.Debug().
			Str("model", req.BaseModel).
			Str("reference_image_url", p.ReferenceURL).
			Msg("reference image known but reference mode is off, not attaching")
	}
	return req
}

// Submit posts req and returns the job id. Failures are not retried.
func (o *Orchestrator) Submit(ctx context.Context, req *models.GenerationRequest) (string, error) {
	jobID, err := o.api.SubmitGeneration(ctx, req)
	if err != nil {
		o.logger.Error().Err(err).Str("model", req.BaseModel).Msg("job submission failed")
		return "", err
	}
	jobsSubmittedTotal.Inc()
	o.logger.Info().Str("job_id", jobID).Str("model", req.BaseModel).Msg("job submitted")
	return jobID, nil
}

// Poll fetches the job status at most MaxAttempts times, waiting the poll
// interval between fetches. Any failed fetch ends polling immediately.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (*models.GenerationResult, error) {
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		pollAttemptsTotal.Inc()
		o.logger.Debug().Str("job_id", jobID).Int("attempt", attempt).Int("max_attempts", o.maxAttempts).Msg("polling job status")

		status, err := o.api.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case models.JobCompleted:
			o.logger.Info().Str("job_id", jobID).Int("attempts", attempt).Msg("job completed")
			return status.Result, nil
		case models.JobFailed:
			msg := status.Error
			if msg == "" {
				msg = "Job failed"
			}
			return nil, errs.JobFailure(msg)
		}

		if attempt == o.maxAttempts {
			break
		}
		if err := o.sleep(ctx, o.interval); err != nil {
			return nil, err
		}
	}
	return nil, errs.JobTimeout(jobID, o.maxAttempts)
}

// Generate submits req, polls to completion and checks that the result holds
// at least one image with a URL. Errors are wrapped with
// "image generation failed" and keep their kind.
func (o *Orchestrator) Generate(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error) {
	start := time.Now()
	result, err := o.generate(ctx, req)
	outcome := outcomeOf(err)
	jobsFinishedTotal.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		o.logger.Warn().Err(err).Str("outcome", outcome).Msg("generation did not complete")
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) generate(ctx context.Context, req *models.GenerationRequest) (*models.GenerationResult, error) {
	jobID, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := o.Poll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Images) == 0 {
		return nil, errs.EmptyResult("No images returned from API")
	}
	for i, img := range result.Images {
		if img.URL == "" {
			return nil, errs.EmptyResult(fmt.Sprintf("Image %d returned without a URL", i+1))
		}
	}
	return result, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case errs.IsJobFailure(err):
		return outcomeFailed
	case errs.IsJobTimeout(err):
		return outcomeTimedOut
	case errs.IsEmptyResult(err):
		return outcomeEmpty
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeTransport
	}
}
