package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/edgewatt/tibberlink/internal/models"
)

var (
	retriableStatuses = map[int]bool{
		http.StatusTooManyRequests:      true,
		http.StatusPreconditionRequired: true,
	}
	fatalStatuses = map[int]bool{
		http.StatusBadRequest: true,
	}
)

// ExtractErrorDetails returns the extension code and message of the first
// entry of a GraphQL errors array, or fallback values when it is empty.
func ExtractErrorDetails(errs []models.GraphQLError, defaultMessage string) (string, string) {
	if len(errs) == 0 {
		return ErrCodeUnknown, defaultMessage
	}
	return errs[0].Extensions.Code, errs[0].Message
}

// ExtractResponseData decodes a completed HTTP response into a GraphQL
// envelope or classifies the failure into exactly one error kind. It only
// labels; retrying is the caller's business.
//
// Authentication failures are recognized on two paths: the provider
// historically returned HTTP 400 with an UNAUTHENTICATED extension code and
// now returns HTTP 200 with the same code embedded in the errors array.
func ExtractResponseData(resp *http.Response) (*models.GraphQLEnvelope, error) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != "application/json" {
		return nil, NewHTTPError(ErrFatalHTTP, resp.StatusCode, ErrCodeUnknown,
			fmt.Sprintf("unexpected content type: %s", contentType))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrNetwork, err)
	}

	var envelope models.GraphQLEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, NewHTTPError(ErrFatalHTTP, resp.StatusCode, ErrCodeUnknown,
			fmt.Sprintf("malformed json response: %v", err))
	}

	if resp.StatusCode == http.StatusOK {
		if len(envelope.Errors) == 0 {
			return &envelope, nil
		}
		code, message := ExtractErrorDetails(envelope.Errors, string(body))
		if code == ErrCodeUnauthenticated {
			return nil, NewHTTPError(ErrInvalidLogin, resp.StatusCode, code, message)
		}
		if code == "INTERNAL_SERVER_ERROR" && strings.Contains(message, "demo user") {
			return nil, NewHTTPError(ErrDemoUser, resp.StatusCode, code, message)
		}
		// Still success at the HTTP layer; the errors array travels with the
		// envelope for the consumer to inspect.
		return &envelope, nil
	}

	if retriableStatuses[resp.StatusCode] {
		code, message := ExtractErrorDetails(envelope.Errors, string(body))
		return nil, NewHTTPError(ErrRetryableHTTP, resp.StatusCode, code, message)
	}

	if fatalStatuses[resp.StatusCode] {
		code, message := ExtractErrorDetails(envelope.Errors, "request failed")
		if code == ErrCodeUnauthenticated {
			return nil, NewHTTPError(ErrInvalidLogin, resp.StatusCode, code, message)
		}
		return nil, NewHTTPError(ErrFatalHTTP, resp.StatusCode, code, message)
	}

	code, message := ExtractErrorDetails(envelope.Errors, "N/A")
	return nil, NewHTTPError(ErrFatalHTTP, resp.StatusCode, code, "Unhandled error: "+message)
}
