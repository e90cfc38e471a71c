package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// HTTP posts operations as JSON to a GraphQL endpoint.
type HTTP struct {
	endpoint string
	opt      HTTPOptions
}

type HTTPOptions struct {
	// Client is the http.Client to use. Defaults to http.DefaultClient.
	Client *http.Client

	// Headers are set on every request.
	Headers http.Header

	// MaxBodyBytes limits the size of the response body. 0 means unlimited.
	MaxBodyBytes int64
}

type HTTPOption func(*HTTPOptions)

func WithClient(c *http.Client) HTTPOption { return func(o *HTTPOptions) { o.Client = c } }
func WithMaxBodyBytes(n int64) HTTPOption  { return func(o *HTTPOptions) { o.MaxBodyBytes = n } }
func WithHeader(key, value string) HTTPOption {
	return func(o *HTTPOptions) {
		if o.Headers == nil {
			o.Headers = http.Header{}
		}
		o.Headers.Add(key, value)
	}
}

// NewHTTP creates a transport for the given endpoint URL.
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	op := HTTPOptions{Client: http.DefaultClient}
	for _, f := range opts {
		f(&op)
	}
	return &HTTP{endpoint: endpoint, opt: op}
}

type wireRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type wireError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type wireResponse struct {
	Data   map[string]any `json:"data"`
	Errors []wireError    `json:"errors,omitempty"`
}

func (h *HTTP) Execute(ctx context.Context, op Operation) (*Response, error) {
	body, err := json.Marshal(wireRequest{
		Query:         op.Query,
		OperationName: op.OperationName,
		Variables:     op.Variables,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range h.opt.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.opt.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, h.opt.MaxBodyBytes)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{Data: wire.Data}
	for _, we := range wire.Errors {
		ge := &gqlerror.Error{Message: we.Message, Extensions: we.Extensions}
		for _, pe := range we.Path {
			switch v := pe.(type) {
			case string:
				ge.Path = append(ge.Path, ast.PathName(v))
			case float64:
				ge.Path = append(ge.Path, ast.PathIndex(int(v)))
			}
		}
		out.Errors = append(out.Errors, ge)
	}
	return out, nil
}
