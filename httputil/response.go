package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	if len(respBody) == 0 {
		return nil, errors.New("unexpected empty response body")
	}

	return respBody, nil
}

// EnvelopeCode extracts the numeric code every catalog JSON response carries
// next to its payload.
func EnvelopeCode(b []byte) (int, bool) {
	if !gjson.ValidBytes(b) {
		return 0, false
	}

	code := gjson.GetBytes(b, "code")
	if code.Type != gjson.Number {
		return 0, false
	}

	return int(code.Int()), true
}

func IsUnauthorizedResponse(b []byte) bool {
	code, ok := EnvelopeCode(b)
	return ok && (code == 301 || code == http.StatusUnauthorized)
}

func IsTooManyRequestsResponse(b []byte) bool {
	code, ok := EnvelopeCode(b)
	return ok && (code == 405 || code == http.StatusTooManyRequests || code == -460)
}

func ErrorMessage(b []byte) string {
	if !gjson.ValidBytes(b) {
		return ""
	}

	for _, k := range []string{"message", "msg"} {
		if v := gjson.GetBytes(b, k); v.Type == gjson.String {
			return v.String()
		}
	}

	return ""
}
