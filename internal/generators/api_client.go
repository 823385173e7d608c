package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fallora/internal/errs"
	"fallora/internal/interfaces"
	"fallora/internal/models"
)

const defaultTimeout = 30 * time.Second

// APIClient talks to the generation API.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// ModelsResponse is the body returned by GET /api/models.
type ModelsResponse struct {
	Models    []string          `json:"models"`
	Endpoints map[string]string `json:"endpoints"`
}

// NewAPIClient creates a client for the API at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *APIClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &APIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// BaseURL returns the API root.
func (c *APIClient) BaseURL() string { return c.baseURL }

// SubmitGeneration posts req to /api/generate and returns the job id.
func (c *APIClient) SubmitGeneration(ctx context.Context, req *models.GenerationRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	c.logger.Debug().RawJSON("request", body).Msg("submitting generation")

	status, data, err := c.do(ctx, http.MethodPost, "/api/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", errs.Network("failed to submit generation", err)
	}

	var resp models.SubmitResponse
	decodeErr := json.Unmarshal(data, &resp)
	if !isSuccess(status) {
		if decodeErr == nil && resp.Error != "" {
			return "", errs.Transport(status, resp.Error)
		}
		return "", errs.Transport(status, fmt.Sprintf("HTTP error! status: %d", status))
	}
	if decodeErr != nil {
		return "", errs.Transport(status, "invalid response from generation API")
	}
	if resp.JobID == "" {
		return "", errs.Transport(status, "invalid response: missing job_id")
	}
	return resp.JobID, nil
}

// JobStatus fetches /api/job/{id}.
func (c *APIClient) JobStatus(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID), "", nil)
	if err != nil {
		return nil, errs.Network("failed to check job status", err)
	}
	if !isSuccess(status) {
		return nil, errs.Transport(status, fmt.Sprintf("Failed to check job status: %d", status))
	}

	var resp models.JobStatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Transport(status, "invalid job status response")
	}
	return &resp, nil
}

// UploadReference sends file as the multipart field reference_image.
func (c *APIClient) UploadReference(ctx context.Context, file interfaces.ReferenceFile) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="reference_image"; filename=%q`, file.Name))
	h.Set("Content-Type", file.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload body: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/upload-reference", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", errs.Network("Upload failed", err)
	}

	var resp models.UploadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errs.Transport(status, fmt.Sprintf("Upload failed: status %d", status))
	}
	if !resp.Success || resp.ImageURL == "" {
		msg := resp.Error
		if msg == "" {
			msg = "Upload failed"
		}
		return "", errs.Transport(status, msg)
	}
	return resp.ImageURL, nil
}

// AnalyzeImage asks /api/analyze-image for a prompt describing imageURL.
// Attributes are only sent when at least one is set.
func (c *APIClient) AnalyzeImage(ctx context.Context, imageURL string, attrs models.PhysicalAttributes) (string, error) {
	req := models.AnalyzeRequest{ImageURL: imageURL}
	if !attrs.IsZero() {
		req.PhysicalAttributes = &attrs
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/analyze-image", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", errs.Network("Analysis failed", err)
	}

	var resp models.AnalyzeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errs.Transport(status, fmt.Sprintf("Analysis failed: status %d", status))
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "Analysis failed"
		}
		return "", errs.Transport(status, msg)
	}
	return resp.SuggestedPrompt, nil
}

// CivitaiLoras fetches the LoRA catalog. With an empty baseModel the
// unfiltered listing with base_model_mapping is returned.
func (c *APIClient) CivitaiLoras(ctx context.Context, baseModel, category string) (*models.CatalogResponse, error) {
	path := "/api/civitai-loras"
	if baseModel != "" {
		q := url.Values{}
		q.Set("base_model", baseModel)
		if category != "" {
			q.Set("category", category)
		}
		path += "?" + q.Encode()
	}

	status, data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, errs.Network("failed to load LoRA catalog", err)
	}
	if !isSuccess(status) {
		return nil, errs.Transport(status, fmt.Sprintf("Failed to load Civitai LoRAs: %d", status))
	}

	var resp models.CatalogResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Transport(status, "invalid LoRA catalog response")
	}
	return &resp, nil
}

// Models lists the base models the API exposes.
func (c *APIClient) Models(ctx context.Context) (*ModelsResponse, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/api/models", "", nil)
	if err != nil {
		return nil, errs.Network("failed to list models", err)
	}
	if !isSuccess(status) {
		return nil, errs.Transport(status, fmt.Sprintf("HTTP error! status: %d", status))
	}
	var resp ModelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Transport(status, "invalid models response")
	}
	return &resp, nil
}

// Download fetches imageURL through /api/download.
func (c *APIClient) Download(ctx context.Context, imageURL, filename string) ([]byte, string, error) {
	q := url.Values{}
	q.Set("url", imageURL)
	if filename != "" {
		q.Set("filename", filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/download?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errs.Network("Download failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.Network("Download failed", err)
	}
	if !isSuccess(resp.StatusCode) {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, "", errs.Transport(resp.StatusCode, e.Error)
		}
		return nil, "", errs.Transport(resp.StatusCode, fmt.Sprintf("Download failed: status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}

// HealthCheck reports whether the generation API answers the model listing.
func (c *APIClient) HealthCheck(ctx context.Context) error {
	_, err := c.Models(ctx)
	return err
}

func (c *APIClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("api request failed")
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api response")
	return resp.StatusCode, data, nil
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
