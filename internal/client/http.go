package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

const defaultTimeout = 30 * time.Second

// HTTPClient implements MaintenanceClient over the maintgate HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	// stream has no overall timeout; Watch is bounded by its context.
	stream *http.Client
}

// NewHTTPClient creates a client targeting baseURL
// (e.g. "http://localhost:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		stream:     &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) GetState(ctx context.Context) (*model.MaintenanceState, error) {
	var st model.MaintenanceState
	if err := c.doJSON(ctx, http.MethodGet, "/maintenance", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) Update(ctx context.Context, req *UpdateRequest, ifMatch *int64) (*model.MaintenanceState, error) {
	var hdr http.Header
	if ifMatch != nil {
		hdr = http.Header{"If-Match": {strconv.Quote(strconv.FormatInt(*ifMatch, 10))}}
	}
	var st model.MaintenanceState
	if err := c.doJSON(ctx, http.MethodPut, "/maintenance", hdr, req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.doJSON(ctx, http.MethodGet, "/maintenance/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) History(ctx context.Context, limit int) ([]*model.Revision, error) {
	path := "/maintenance/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Revisions []*model.Revision `json:"revisions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Revisions, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Watch opens the event stream and calls fn for every state event. It
// returns nil when ctx ends, the error from fn, or an error when the stream
// cannot be opened or breaks.
func (c *HTTPClient) Watch(ctx context.Context, lastEventID string, fn func(*StateEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/maintenance/stream", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(id, event string, data []byte) error {
		if event != "state" {
			return nil
		}
		var st model.MaintenanceState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decoding event %s: %w", id, err)
		}
		return fn(&StateEvent{ID: id, State: &st})
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are skipped.
func readEvents(r io.Reader, fn func(id, event string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		id, event string
		data      bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if data.Len() > 0 {
				if err := fn(id, event, bytes.TrimSuffix(data.Bytes(), []byte("\n"))); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id = value
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Fields     []model.FieldError
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, strings.Join(parts, "; "))
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

func apiError(status int, body []byte) *APIError {
	var errResp struct {
		Error  string             `json:"error"`
		Fields []model.FieldError `json:"fields"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error, Fields: errResp.Fields}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// doJSON performs an HTTP request with an optional JSON body and decodes the
// JSON response into result when it is non-nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, hdr http.Header, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, respBody)
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
