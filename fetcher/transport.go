package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// RequestOptions describes one read request independent of the underlying
// protocol. Authenticate hooks mutate a copy of it per cycle.
type RequestOptions struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the uniform transport result
type Response struct {
	Data   []byte
	Status int
}

// Transport executes read requests for the polling fetcher. Implementations
// must honor ctx cancellation and deadlines.
type Transport interface {
	Request(ctx context.Context, opts RequestOptions) (*Response, error)
}

// HTTPTransport implements Transport over net/http
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Request(ctx context.Context, opts RequestOptions) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, opts.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", opts.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	return &Response{Data: data, Status: resp.StatusCode}, nil
}
