package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	netErr := errors.New("connection refused")
	tests := []struct {
		name      string
		resp      response
		csrfAware bool
		want      outcome
		data      string
		appID     int
	}{
		{
			name: "success envelope unwraps data",
			resp: response{statusCode: 200, body: []byte(`{"status":"success","data":{"a":1}}`)},
			want: outcomeSuccess,
			data: `{"a":1}`,
		},
		{
			name: "raw body passes through",
			resp: response{statusCode: 200, body: []byte(`[1,2,3]`)},
			want: outcomeSuccess,
			data: `[1,2,3]`,
		},
		{
			name: "object without status passes through",
			resp: response{statusCode: 200, body: []byte(`{"a":1}`)},
			want: outcomeSuccess,
			data: `{"a":1}`,
		},
		{
			name: "empty body is null",
			resp: response{statusCode: 204},
			want: outcomeSuccess,
			data: `null`,
		},
		{
			name:  "session expired sentinel",
			resp:  response{statusCode: 200, body: []byte(`{"status":"error","id":5,"message":"login"}`)},
			want:  outcomeAuthExpired,
			appID: 5,
		},
		{
			name:  "session expired on error status",
			resp:  response{statusCode: 401, failed: true, body: []byte(`{"status":"error","id":5}`)},
			want:  outcomeAuthExpired,
			appID: 5,
		},
		{
			name:  "application error",
			resp:  response{statusCode: 200, body: []byte(`{"status":"error","id":12,"message":"nope"}`)},
			want:  outcomeAppError,
			appID: 12,
		},
		{
			name:  "session expired with object message",
			resp:  response{statusCode: 200, body: []byte(`{"status":"error","id":5,"message":{"text":"session expired"}}`)},
			want:  outcomeAuthExpired,
			appID: 5,
		},
		{
			name:  "session expired with id as string",
			resp:  response{statusCode: 200, body: []byte(`{"status":"error","id":"5"}`)},
			want:  outcomeAuthExpired,
			appID: 5,
		},
		{
			name: "non-numeric id is an application error",
			resp: response{statusCode: 200, body: []byte(`{"status":"error","id":"E_NOT_FOUND","message":"missing"}`)},
			want: outcomeAppError,
		},
		{
			name:  "fractional id is not the session sentinel",
			resp:  response{statusCode: 200, body: []byte(`{"status":"error","id":5.5}`)},
			want:  outcomeAppError,
			appID: 0,
		},
		{
			name:  "envelope on failed status is an error",
			resp:  response{statusCode: 500, failed: true, body: []byte(`{"status":"success","id":3}`)},
			want:  outcomeAppError,
			appID: 3,
		},
		{
			name: "network failure",
			resp: response{err: netErr, failed: true},
			want: outcomeTransportError,
		},
		{
			name: "error status without envelope",
			resp: response{statusCode: 502, failed: true, body: []byte(`bad gateway`)},
			want: outcomeTransportError,
		},
		{
			name: "malformed success body",
			resp: response{statusCode: 200, body: []byte(`{"status":`)},
			want: outcomeTransportError,
		},
		{
			name:      "csrf mismatch retries when aware",
			resp:      response{statusCode: 403, failed: true, body: []byte(`Invalid CSRF token`)},
			csrfAware: true,
			want:      outcomeCSRFRetry,
		},
		{
			name: "csrf mismatch is a transport error on the socket",
			resp: response{statusCode: 403, failed: true, body: []byte(`Invalid CSRF token`)},
			want: outcomeTransportError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.resp, tt.csrfAware)
			require.Equal(t, tt.want, got.outcome, got.outcome.String())

			switch tt.want {
			case outcomeSuccess:
				require.NoError(t, got.err)
				require.JSONEq(t, tt.data, string(got.data))
			case outcomeAuthExpired, outcomeAppError:
				var appErr *ApplicationError
				require.ErrorAs(t, got.err, &appErr)
				require.Equal(t, tt.appID, appErr.ID)
				require.Equal(t, tt.want == outcomeAuthExpired, errors.Is(got.err, ErrAuthExpired))
			default:
				require.ErrorIs(t, got.err, &TransportError{})
			}
		})
	}
}

func TestClassifyKeepsTransportCause(t *testing.T) {
	cause := errors.New("reset by peer")
	got := classify(response{op: "GET", url: "http://x/y", err: cause, failed: true}, true)
	require.Equal(t, outcomeTransportError, got.outcome)
	require.ErrorIs(t, got.err, cause)

	var te *TransportError
	require.ErrorAs(t, got.err, &te)
	require.Equal(t, "http://x/y", te.URL)
}

func TestClassifyKeepsNonStringMessage(t *testing.T) {
	got := classify(response{statusCode: 200, body: []byte(`{"status":"error","id":7,"message":{ "text": "quota" }}`)}, true)
	require.Equal(t, outcomeAppError, got.outcome)

	var appErr *ApplicationError
	require.ErrorAs(t, got.err, &appErr)
	require.Equal(t, 7, appErr.ID)
	require.Equal(t, `{"text":"quota"}`, appErr.Message)
	require.JSONEq(t, `{"status":"error","id":7,"message":{"text":"quota"}}`, string(appErr.Envelope))
}
