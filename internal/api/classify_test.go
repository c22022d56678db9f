package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExtractResponseData(t *testing.T) {
	tests := []struct {
		name         string
		resp         *http.Response
		wantKind     error
		wantStatus   int
		wantCode     string
		wantEnvelope bool
		wantErrors   int
	}{
		{
			name:         "clean success",
			resp:         jsonResponse(200, `{"data":{"viewer":{"name":"Arya"}}}`),
			wantEnvelope: true,
		},
		{
			name: "success with incidental errors keeps envelope",
			resp: jsonResponse(200,
				`{"data":{"viewer":{}},"errors":[{"message":"partial failure","extensions":{"code":"SOMETHING"}}]}`),
			wantEnvelope: true,
			wantErrors:   1,
		},
		{
			name: "invalid login embedded in 200",
			resp: jsonResponse(200,
				`{"errors":[{"message":"invalid token","extensions":{"code":"UNAUTHENTICATED"}}]}`),
			wantKind:   ErrInvalidLogin,
			wantStatus: 200,
			wantCode:   "UNAUTHENTICATED",
		},
		{
			name: "demo user rejection",
			resp: jsonResponse(200,
				`{"errors":[{"message":"operation not allowed for demo user","extensions":{"code":"INTERNAL_SERVER_ERROR"}}]}`),
			wantKind:   ErrDemoUser,
			wantStatus: 200,
			wantCode:   "INTERNAL_SERVER_ERROR",
		},
		{
			name:       "rate limited",
			resp:       jsonResponse(429, `{"errors":[{"message":"too many requests","extensions":{"code":"RATE_LIMITED"}}]}`),
			wantKind:   ErrRetryableHTTP,
			wantStatus: 429,
			wantCode:   "RATE_LIMITED",
		},
		{
			name:       "precondition required",
			resp:       jsonResponse(428, `{}`),
			wantKind:   ErrRetryableHTTP,
			wantStatus: 428,
			wantCode:   ErrCodeUnknown,
		},
		{
			name:       "bad request",
			resp:       jsonResponse(400, `{"errors":[{"message":"malformed query","extensions":{"code":"BAD_REQUEST"}}]}`),
			wantKind:   ErrFatalHTTP,
			wantStatus: 400,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "invalid login on 400",
			resp: jsonResponse(400,
				`{"errors":[{"message":"invalid token","extensions":{"code":"UNAUTHENTICATED"}}]}`),
			wantKind:   ErrInvalidLogin,
			wantStatus: 400,
			wantCode:   "UNAUTHENTICATED",
		},
		{
			name:       "unhandled status",
			resp:       jsonResponse(503, `{}`),
			wantKind:   ErrFatalHTTP,
			wantStatus: 503,
			wantCode:   ErrCodeUnknown,
		},
		{
			name: "unexpected content type",
			resp: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       io.NopCloser(strings.NewReader("<html></html>")),
			},
			wantKind:   ErrFatalHTTP,
			wantStatus: 200,
			wantCode:   ErrCodeUnknown,
		},
		{
			name:       "malformed json",
			resp:       jsonResponse(200, `{"data":`),
			wantKind:   ErrFatalHTTP,
			wantStatus: 200,
			wantCode:   ErrCodeUnknown,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := ExtractResponseData(tt.resp)

			if tt.wantEnvelope {
				require.NoError(t, err)
				require.NotNil(t, envelope)
				assert.Len(t, envelope.Errors, tt.wantErrors)
				return
			}

			require.Error(t, err)
			assert.Nil(t, envelope)
			assert.True(t, errors.Is(err, tt.wantKind), "expected kind %v, got %v", tt.wantKind, err)

			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.wantStatus, httpErr.Status)
			assert.Equal(t, tt.wantCode, httpErr.ExtensionCode)
		})
	}
}

func TestInvalidLoginIsFatal(t *testing.T) {
	err := NewHTTPError(ErrInvalidLogin, 200, ErrCodeUnauthenticated, "invalid token")
	assert.True(t, errors.Is(err, ErrInvalidLogin))
	assert.True(t, errors.Is(err, ErrFatalHTTP))
	assert.False(t, errors.Is(err, ErrRetryableHTTP))
}

func TestExtractErrorDetails(t *testing.T) {
	code, message := ExtractErrorDetails(nil, "fallback")
	assert.Equal(t, ErrCodeUnknown, code)
	assert.Equal(t, "fallback", message)
}
