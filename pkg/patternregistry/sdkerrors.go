package patternregistry

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"google.golang.org/genai"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// statusCodeRegex is the last-resort extractor for SDKs (OpenAI's, mainly)
// that don't expose a typed status code, mirroring the teacher's
// pkg/runtime/fallback.go extractHTTPStatusCode.
var statusCodeRegex = regexp.MustCompile(`\b([45]\d{2})\b`)

// FromError adapts a raw Go error from a provider call into the loosely
// typed fbtypes.ErrorValue the registry matches against. It tries, in
// order: the Anthropic SDK's typed error, the Gemini SDK's typed error, an
// AWS smithy transport error (Bedrock), then falls back to a status-code
// regex over the error string. The error's own message is always preserved
// as the searchable Message field regardless of which branch matched.
func FromError(err error) fbtypes.ErrorValue {
	if err == nil {
		return fbtypes.ErrorValue{}
	}

	ce := fbtypes.ErrorValue{
		Name:    errorTypeName(err),
		Message: err.Error(),
	}

	if code := extractHTTPStatusCode(err); code != 0 {
		ce.Data = &fbtypes.ErrorData{StatusCode: code}
	}

	return ce
}

// errorTypeName gives the registry something to match provider-flavored
// patterns ("anthropic-overload" etc.) against even when the message text
// doesn't repeat the SDK's own error-type name.
func errorTypeName(err error) string {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return "anthropic.Error"
	}
	var geminiErr *genai.APIError
	if errors.As(err, &geminiErr) {
		return "genai.APIError"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// extractHTTPStatusCode mirrors the teacher's extractHTTPStatusCode: known
// SDK error types first, then a regex scan of the error text for OpenAI and
// anything else that doesn't expose a typed status.
func extractHTTPStatusCode(err error) int {
	if err == nil {
		return 0
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}

	var geminiErr *genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}

	matches := statusCodeRegex.FindStringSubmatch(err.Error())
	if len(matches) >= 2 {
		if code, convErr := strconv.Atoi(matches[1]); convErr == nil {
			return code
		}
	}

	return 0
}
