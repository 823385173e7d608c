package interfaces

import (
	"context"
	"io"

	"fallora/internal/models"
)

// ReferenceFile is an image picked for upload.
type ReferenceFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// GenerationAPI is the remote image generation service.
type GenerationAPI interface {
	// SubmitGeneration posts a request and returns the job id
	SubmitGeneration(ctx context.Context, req *models.GenerationRequest) (string, error)

	// JobStatus fetches the current state of a job
	JobStatus(ctx context.Context, jobID string) (*models.JobStatusResponse, error)
}

// ReferenceUploader stores reference images.
type ReferenceUploader interface {
	// UploadReference uploads an image and returns its public URL
	UploadReference(ctx context.Context, file ReferenceFile) (string, error)
}

// ImageAnalyzer turns a reference image into a suggested prompt.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, imageURL string, attrs models.PhysicalAttributes) (string, error)
}

// ReferenceAPI covers the reference image endpoints.
type ReferenceAPI interface {
	ReferenceUploader
	ImageAnalyzer
}

// Downloader fetches generated images through the API's download proxy.
type Downloader interface {
	Download(ctx context.Context, imageURL, filename string) (data []byte, contentType string, err error)
}
