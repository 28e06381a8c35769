package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAuthExpired
	outcomeAppError
	outcomeTransportError
	outcomeCSRFRetry
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeAuthExpired:
		return "auth_expired"
	case outcomeAppError:
		return "application_error"
	case outcomeTransportError:
		return "transport_error"
	case outcomeCSRFRetry:
		return "csrf_retry"
	default:
		return "unknown"
	}
}

// envelope is the backend's response wrapper. Only Status decides whether a
// body is an envelope; the other fields are read leniently.
type envelope struct {
	Status  string
	ID      int
	Message string
	Data    json.RawMessage
}

// response is what a transport hands to the classifier. failed marks a
// transport-level failure (network error or error status range).
type response struct {
	op         string
	url        string
	statusCode int
	body       []byte
	err        error
	failed     bool
}

type classification struct {
	outcome outcome
	data    json.RawMessage
	err     error
}

// classify decides what a response means. csrfAware enables the CSRF
// self-heal branch for HTTP transports.
func classify(resp response, csrfAware bool) classification {
	body := bytes.TrimSpace(resp.body)
	env, isEnvelope := parseEnvelope(body)

	if resp.failed || resp.err != nil {
		if csrfAware && bytes.Contains(bytes.ToLower(body), []byte("csrf")) {
			return classification{outcome: outcomeCSRFRetry, err: transportErr(resp)}
		}
		if !isEnvelope {
			return classification{outcome: outcomeTransportError, err: transportErr(resp)}
		}
		// Any envelope on a failed call is an error, whatever its status says.
		env.Status = statusError
		return classifyEnvelope(env, body, resp.statusCode)
	}

	if len(body) == 0 {
		return classification{outcome: outcomeSuccess, data: json.RawMessage("null")}
	}
	if !json.Valid(body) {
		return classification{outcome: outcomeTransportError, err: transportErr(resp)}
	}
	if isEnvelope {
		return classifyEnvelope(env, body, resp.statusCode)
	}
	return classification{outcome: outcomeSuccess, data: json.RawMessage(body)}
}

func classifyEnvelope(env envelope, body []byte, statusCode int) classification {
	if env.Status == statusError {
		appErr := &ApplicationError{
			ID:         env.ID,
			Message:    env.Message,
			StatusCode: statusCode,
			Envelope:   json.RawMessage(body),
		}
		if env.ID == AuthFailureID {
			return classification{outcome: outcomeAuthExpired, err: appErr}
		}
		return classification{outcome: outcomeAppError, err: appErr}
	}
	if env.Status == statusSuccess {
		data := env.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return classification{outcome: outcomeSuccess, data: data}
	}
	return classification{outcome: outcomeSuccess, data: json.RawMessage(body)}
}

// parseEnvelope reports whether body is a JSON object carrying a status field.
// A wrongly typed id or message never hides the envelope.
func parseEnvelope(body []byte) (envelope, bool) {
	if len(body) == 0 || body[0] != '{' {
		return envelope{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return envelope{}, false
	}
	rawStatus, ok := fields["status"]
	if !ok {
		return envelope{}, false
	}
	env := envelope{Data: fields["data"]}
	_ = json.Unmarshal(rawStatus, &env.Status)
	env.ID = envelopeID(fields["id"])
	env.Message = envelopeMessage(fields["message"])
	return env, true
}

// envelopeID reads a numeric id, or a string holding one. Anything else is 0.
func envelopeID(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return int(id)
		}
		return 0
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if id, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
			return id
		}
	}
	return 0
}

// envelopeMessage returns a string message as is and any other JSON value in
// its compact encoding.
func envelopeMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func transportErr(resp response) error {
	var te *TransportError
	if errors.As(resp.err, &te) {
		return te
	}
	return &TransportError{
		Op:         resp.op,
		URL:        resp.url,
		StatusCode: resp.statusCode,
		Body:       resp.body,
		Err:        resp.err,
	}
}
