package standardize

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"leadpipe/internal/models"
)

type standardizeRequest struct {
	UploadID string           `json:"upload_id"`
	Rows     []models.RawLead `json:"rows"`
}

type standardizeResponse struct {
	Leads []models.Lead `json:"leads"`
}

// Client calls the field-standardization service over HTTP. Throttling and
// server errors are retried by the underlying client; anything that still
// fails is reported to the pipeline as a recoverable batch error.
type Client struct {
	http    *resty.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Minute).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return &Client{http: client, baseURL: baseURL}
}

func (c *Client) Standardize(ctx context.Context, uploadID string, rows []models.RawLead) ([]models.Lead, error) {
	var result standardizeResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(standardizeRequest{UploadID: uploadID, Rows: rows}).
		SetResult(&result).
		Post("/v1/standardize")
	if err != nil {
		return nil, fmt.Errorf("standardize request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("standardize service returned %d", resp.StatusCode())
	}

	for i := range result.Leads {
		result.Leads[i].UploadID = uploadID
	}
	return result.Leads, nil
}
