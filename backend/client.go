package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/models"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 32 << 20
)

// Client talks to the request/response half of the RAG backend.
type Client struct {
	baseURL     string
	credentials models.Credentials
	httpClient  *http.Client
	logger      zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func New(baseURL string, creds models.Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: creds,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "backend").Logger()
	return c
}

func (c *Client) Credentials() models.Credentials {
	return c.credentials
}

// Query runs the retrieval call. The request credentials are filled in when
// the caller left them empty. A response carrying an error indicator is
// returned as is; callers decide how to surface it.
func (c *Client) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error) {
	if req.Credentials == (models.Credentials{}) {
		req.Credentials = c.credentials
	}
	if req.Labels == nil {
		req.Labels = []string{}
	}
	if req.DocumentFilter == nil {
		req.DocumentFilter = []models.DocumentFilter{}
	}
	var resp models.QueryResponse
	if err := c.post(ctx, "/api/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DataCount(ctx context.Context, embeddingModel string, docs []models.DocumentFilter) (int, error) {
	if docs == nil {
		docs = []models.DocumentFilter{}
	}
	req := models.DataCountRequest{
		EmbeddingModel: embeddingModel,
		DocumentFilter: docs,
		Credentials:    c.credentials,
	}
	var resp models.DataCountResponse
	if err := c.post(ctx, "/api/get_datacount", req, &resp); err != nil {
		return 0, err
	}
	return resp.DataCount, nil
}

func (c *Client) Labels(ctx context.Context) ([]string, error) {
	var resp models.LabelsResponse
	if err := c.post(ctx, "/api/get_labels", models.CredentialsRequest{Credentials: c.credentials}, &resp); err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

func (c *Client) RAGConfig(ctx context.Context) (models.RAGConfig, error) {
	var resp models.RAGConfigResponse
	if err := c.post(ctx, "/api/get_rag_config", models.CredentialsRequest{Credentials: c.credentials}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Errorf("backend rejected rag config request: %s", resp.Error)
	}
	return resp.RAGConfig, nil
}

func (c *Client) SetRAGConfig(ctx context.Context, cfg models.RAGConfig) error {
	req := models.SetRAGConfigRequest{RAGConfig: cfg, Credentials: c.credentials}
	var resp models.StatusResponse
	if err := c.post(ctx, "/api/set_rag_config", req, &resp); err != nil {
		return err
	}
	if resp.Status != 0 && resp.Status != http.StatusOK {
		return errors.Errorf("backend rejected rag config: %s", resp.StatusMsg)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return errors.Wrap(err, "create health request")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "health request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	url := fmt.Sprintf("%s%s", c.baseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call finished")

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "unmarshal response")
	}
	return nil
}
