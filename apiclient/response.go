package apiclient

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

// Response is a successful HTTP exchange with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Duration   time.Duration
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return toolerrors.Wrap(err, "decode response body", toolerrors.WithMetadata("request_id", r.RequestID))
	}
	return nil
}

// Map decodes the body as a JSON object. An empty body is an empty map,
// and any other JSON value is returned under the "data" key.
func (r *Response) Map() (map[string]any, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := r.JSON(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": v}, nil
}
