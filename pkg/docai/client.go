// Package docai provides a client for the document-AI field detection
// service. The service takes a page image and returns labeled field
// detections with confidences and bounding regions.
package docai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expense-extractor/internal/resilience"
)

// Client defines the document-AI operations used by the pipeline.
type Client interface {
	// Detect runs field detection on a single PNG page image.
	Detect(ctx context.Context, image []byte, page int) (*DetectResponse, error)
}

// DetectResponse is the parsed detection response for one page.
type DetectResponse struct {
	Model      string      `json:"model"`
	Detections []Detection `json:"detections"`
}

// Detection is one labeled field found on the page.
type Detection struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Page       int     `json:"page"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

// BBox is a detection's bounding box in page-relative coordinates (0..1).
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Option configures the docai client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a new document-AI client.
func NewClient(baseURL, apiKey, model string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type detectRequest struct {
	Model string `json:"model"`
	Page  int    `json:"page"`
	Image string `json:"image"` // base64 PNG
}

// post sends one request and returns the response body, wrapping transient
// statuses (408, 429, 5xx) so the retry layer knows to try again.
func (c *httpClient) post(ctx context.Context, url string, reqBody []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, eris.Wrap(err, "docai: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "docai: request failed")
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, eris.Wrap(readErr, "docai: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("docai: status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return body, nil
}

func (c *httpClient) Detect(ctx context.Context, image []byte, page int) (*DetectResponse, error) {
	reqBody, err := json.Marshal(detectRequest{
		Model: c.model,
		Page:  page,
		Image: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, eris.Wrap(err, "docai: marshal request")
	}

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("docai", "detect")
	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, c.baseURL+"/v1/detect", reqBody)
	})
	if err != nil {
		return nil, err
	}

	var result DetectResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "docai: unmarshal response")
	}
	return &result, nil
}
