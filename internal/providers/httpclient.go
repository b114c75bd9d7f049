package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 300

// HTTPStatusError is a non-2xx provider response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// JSONClient sends JSON requests to provider APIs.
type JSONClient struct {
	HTTP *http.Client
}

func NewJSONClient(timeout time.Duration) *JSONClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &JSONClient{HTTP: &http.Client{Timeout: timeout}}
}

// Do sends body as JSON (nil for no body) and decodes a 2xx response into out.
// The raw response body is returned even when decoding fails.
func (c *JSONClient) Do(ctx context.Context, method, url string, headers map[string]string, body, out interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return raw, &HTTPStatusError{StatusCode: resp.StatusCode, Body: text}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &DecodeError{StatusCode: resp.StatusCode, Err: err}
		}
	}
	return raw, nil
}

// DecodeError is a 2xx response whose body could not be read. The provider may
// have acted on the request.
type DecodeError struct {
	StatusCode int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d response: %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownOutcome reports whether err leaves it unknown if the provider acted:
// timeouts, dropped connections, 5xx responses and unreadable 2xx bodies.
func UnknownOutcome(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Fail wraps err as a provider error. Definitive is set unless the outcome is unknown.
func Fail(kind apperrors.Kind, provider, op string, err error) *apperrors.Error {
	return apperrors.Provider(kind, provider, op, !UnknownOutcome(err), err)
}
