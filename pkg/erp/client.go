// Package erp provides a client for the internal ERP API that owns
// clients, expense reports, and their source documents.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/expense-extractor/internal/resilience"
)

// Client defines the ERP operations used by the pipeline.
type Client interface {
	ListClients(ctx context.Context) ([]ClientRecord, error)
	ListExpenses(ctx context.Context, clientID string) ([]Expense, error)
	ListExpenseItems(ctx context.Context, clientID, expenseID string) ([]ExpenseItem, error)
	FetchExpenseItem(ctx context.Context, clientID, expenseID, itemID string) (*ExpenseItem, error)
	// FetchFile downloads one source document by its ERP file reference.
	FetchFile(ctx context.Context, ref FileRef) (*File, error)
}

// ClientRecord is one ERP client account.
type ClientRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Expense is one expense report header.
type Expense struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Period   string `json:"period"`
	Status   string `json:"status"`
}

// ExpenseItem is one line of an expense report together with its
// source document reference.
type ExpenseItem struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	File        FileRef `json:"file"`
}

// FileRef identifies one stored document. All three parts are required:
// the hash lets the ERP verify the caller is asking for the version it
// actually holds.
type FileRef struct {
	Code   string `json:"kod"`
	FileID string `json:"fileId"`
	Hash   string `json:"fileHash"`
}

// String encodes the ref as "code:fileID:hash" for storage in run state.
func (r FileRef) String() string {
	return r.Code + ":" + r.FileID + ":" + r.Hash
}

// ParseFileRef is the inverse of FileRef.String.
func ParseFileRef(s string) (FileRef, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FileRef{}, eris.Errorf("erp: malformed file ref %q", s)
	}
	return FileRef{Code: parts[0], FileID: parts[1], Hash: parts[2]}, nil
}

// File is a downloaded source document.
type File struct {
	Name string
	Data []byte
}

// Option configures the ERP client.
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

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryConfig

	mu    sync.Mutex
	token string
}

// NewClient creates a new ERP client. Authentication is lazy: the first
// request logs in with the configured credentials and caches the bearer
// token; a 401 on any later request forces one re-login.
func NewClient(baseURL, email, password string, opts ...Option) Client {
	c := &httpClient{
		baseURL:  baseURL,
		email:    email,
		password: password,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 2),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// login authenticates and caches the bearer token.
func (c *httpClient) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	body, err := json.Marshal(loginRequest{Email: c.email, Password: c.password})
	if err != nil {
		return "", eris.Wrap(err, "erp: marshal login")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "erp: create login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "erp: login")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "erp: read login response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("erp: login status %d: %s", resp.StatusCode, string(respBody))
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return "", eris.Wrap(err, "erp: unmarshal login response")
	}
	if lr.Token == "" {
		return "", eris.New("erp: login returned empty token")
	}
	c.token = lr.Token
	return c.token, nil
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (c *httpClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do performs an authenticated GET with backoff retries on transient
// failures (408, 429, 5xx).
func (c *httpClient) do(ctx context.Context, path string) ([]byte, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("erp", "get "+path)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, path)
	})
}

// get performs one authenticated GET, re-authenticating once on 401.
func (c *httpClient) get(ctx context.Context, path string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		token, err := c.login(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, eris.Wrap(err, "erp: create request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "erp: get %s", path)
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "erp: read response body")
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("erp: get %s status %d: %s", path, resp.StatusCode, string(body))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}
		return body, nil
	}
	return nil, eris.New("erp: authentication retry exhausted")
}

func (c *httpClient) ListClients(ctx context.Context) ([]ClientRecord, error) {
	body, err := c.do(ctx, "/api/clients")
	if err != nil {
		return nil, err
	}
	var out []ClientRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "erp: unmarshal clients")
	}
	return out, nil
}

func (c *httpClient) ListExpenses(ctx context.Context, clientID string) ([]Expense, error) {
	body, err := c.do(ctx, fmt.Sprintf("/api/clients/%s/expenses", clientID))
	if err != nil {
		return nil, err
	}
	var out []Expense
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "erp: unmarshal expenses")
	}
	return out, nil
}

func (c *httpClient) ListExpenseItems(ctx context.Context, clientID, expenseID string) ([]ExpenseItem, error) {
	body, err := c.do(ctx, fmt.Sprintf("/api/clients/%s/expenses/%s/items", clientID, expenseID))
	if err != nil {
		return nil, err
	}
	var out []ExpenseItem
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "erp: unmarshal expense items")
	}
	return out, nil
}

func (c *httpClient) FetchExpenseItem(ctx context.Context, clientID, expenseID, itemID string) (*ExpenseItem, error) {
	body, err := c.do(ctx, fmt.Sprintf("/api/clients/%s/expenses/%s/items/%s", clientID, expenseID, itemID))
	if err != nil {
		return nil, err
	}
	var out ExpenseItem
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "erp: unmarshal expense item")
	}
	return &out, nil
}

func (c *httpClient) FetchFile(ctx context.Context, ref FileRef) (*File, error) {
	if ref.Code == "" || ref.FileID == "" || ref.Hash == "" {
		return nil, eris.Errorf("erp: incomplete file ref %+v", ref)
	}
	path := fmt.Sprintf("/api/files/%s/%s?hash=%s", ref.Code, ref.FileID, ref.Hash)

	data, err := c.do(ctx, path)
	if err != nil {
		return nil, err
	}
	return &File{Name: ref.FileID, Data: data}, nil
}
