// Package transport implements the authenticated REST transport for the
// portal API: request serialization, bearer attachment, structured errors,
// and single-flight access-token refresh on expiry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atlashr/portal-client/internal/auth"
	"go.uber.org/zap"
)

// Request describes one outbound portal API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any            // JSON-encoded when non-nil and Form is nil
	Form   *MultipartForm // multipart upload; content type carries the writer's boundary
	NoAuth bool           // skip the Authorization header (login, refresh)

	// retried marks a request re-dispatched after a refresh. Set at most once;
	// a second 401 on the same request is terminal.
	retried bool
}

// MultipartForm holds fields and file parts for a multipart request body.
type MultipartForm struct {
	Fields map[string]string
	Files  []FormFile
}

// FormFile is one file part of a multipart form.
type FormFile struct {
	Field   string
	Name    string
	Content []byte
}

// APIError is a non-2xx portal response with its parsed body.
type APIError struct {
	Status  int
	Body    map[string]any
	Raw     []byte
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal api: %d %s", e.Status, e.Message)
}

// Code returns the distinguished error code carried in the body, if any.
func (e *APIError) Code() string {
	if e.Body == nil {
		return ""
	}
	code, _ := e.Body["code"].(string)
	return code
}

// PipelineConfig wires dependencies for the request pipeline.
type PipelineConfig struct {
	Log        *zap.Logger
	BaseURL    string
	Store      auth.Store
	HTTPClient *http.Client
	Metrics    *Metrics
}

// Pipeline decorates outbound HTTP calls: URL resolution, bearer attachment,
// body serialization, and response parsing.
type Pipeline struct {
	log     *zap.Logger
	baseURL string
	store   auth.Store
	client  *http.Client
	metrics *Metrics
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		log:     cfg.Log,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		store:   cfg.Store,
		client:  cfg.HTTPClient,
		metrics: cfg.Metrics,
	}, nil
}

// Do sends one request and parses the response. Non-2xx responses produce an
// *APIError; 2xx responses return the JSON body, or nil when the body is empty
// or not JSON.
func (p *Pipeline) Do(ctx context.Context, req *Request) (json.RawMessage, error) {
	httpReq, err := p.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.metrics.RecordRequestFailure()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.metrics.RecordRequestFailure()
		return nil, fmt.Errorf("read response %s %s: %w", req.Method, req.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.metrics.RecordRequestFailure()
		return nil, parseAPIError(resp.StatusCode, body)
	}

	p.metrics.RecordRequest()
	if len(body) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(body) {
		return json.RawMessage(body), nil
	}
	// Non-JSON success bodies are rare (file downloads aside); drop them.
	return nil, nil
}

// URL resolves a relative API path against the configured base, collapsing a
// duplicate /api segment when the base already ends in one.
func (p *Pipeline) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.HasSuffix(p.baseURL, "/api") && strings.HasPrefix(path, "/api/") {
		path = strings.TrimPrefix(path, "/api")
	}
	return p.baseURL + path
}

// BaseURL returns the normalized base URL.
func (p *Pipeline) BaseURL() string {
	return p.baseURL
}

func (p *Pipeline) build(ctx context.Context, req *Request) (*http.Request, error) {
	target := p.URL(req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		for field, value := range req.Form.Fields {
			if err := writer.WriteField(field, value); err != nil {
				return nil, fmt.Errorf("write form field %s: %w", field, err)
			}
		}
		for _, file := range req.Form.Files {
			part, err := writer.CreateFormFile(file.Field, file.Name)
			if err != nil {
				return nil, fmt.Errorf("create form file %s: %w", file.Field, err)
			}
			if _, err := part.Write(file.Content); err != nil {
				return nil, fmt.Errorf("write form file %s: %w", file.Field, err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("close form writer: %w", err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	case req.Body != nil:
		serialized, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(serialized)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	if !req.NoAuth {
		if creds, ok := p.store.Get(); ok {
			httpReq.Header.Set("Authorization", "Bearer "+creds.Access)
		}
	}
	return httpReq, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Raw: body}

	var parsed map[string]any
	if json.Valid(body) && json.Unmarshal(body, &parsed) == nil {
		apiErr.Body = parsed
	}

	for _, key := range []string{"detail", "message"} {
		if msg, ok := apiErr.Body[key].(string); ok && msg != "" {
			apiErr.Message = msg
			return apiErr
		}
	}
	if text := http.StatusText(status); text != "" {
		apiErr.Message = text
		return apiErr
	}
	apiErr.Message = "request failed"
	return apiErr
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}
