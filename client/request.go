package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FormContentType selects url-encoded bodies instead of JSON.
const FormContentType = "application/x-www-form-urlencoded"

// Request describes one call through the HTTP or socket pipeline.
type Request struct {
	// Method defaults to POST.
	Method string
	// URL is absolute, or relative to the server base URL when it starts with "/".
	URL string
	// Params are sent as the query string for GET and as the body otherwise.
	Params any
	// Data is accepted as an alias for Params.
	Data any
	// ContentType defaults to JSON; FormContentType sends a url-encoded body.
	ContentType string
	// Sync runs the pipeline on the calling goroutine instead of a new one.
	Sync bool
}

func (r Request) normalize() Request {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = http.MethodPost
	}
	if r.Params == nil && r.Data != nil {
		r.Params = r.Data
	}
	r.Data = nil
	return r
}

// call is one logical request as it moves through a pipeline, including
// replays. done is shared by every attempt.
type call struct {
	req         Request
	done        *completion
	csrfRetried bool
	// dispatched is set on replays and fired once the request is written.
	dispatched *dispatchSignal
}

func newCall(req Request, cb Callback) *call {
	return &call{req: req.normalize(), done: newCompletion(cb)}
}

// encodeBody renders params for a non-GET request.
func encodeBody(params any, contentType string) (io.Reader, string, error) {
	if params == nil {
		return nil, "", nil
	}
	if strings.HasPrefix(contentType, FormContentType) {
		values, err := toValues(params)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(values.Encode()), FormContentType, nil
	}
	var raw []byte
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("encode params: %w", err)
		}
	}
	ct := contentType
	if ct == "" {
		ct = "application/json"
	}
	return bytes.NewReader(raw), ct, nil
}

// withQuery appends params to target's query string.
func withQuery(target string, params any) (string, error) {
	if params == nil {
		return target, nil
	}
	values, err := toValues(params)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", target, err)
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func toValues(params any) (url.Values, error) {
	switch p := params.(type) {
	case url.Values:
		return p, nil
	case map[string]string:
		values := make(url.Values, len(p))
		for k, v := range p {
			values.Set(k, v)
		}
		return values, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	values := make(url.Values, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case map[string]any, []any:
			nested, _ := json.Marshal(val)
			values.Set(k, string(nested))
		default:
			values.Set(k, scalarString(val))
		}
	}
	return values, nil
}
