package platform

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds every JSON response body read from the platform.
const MaxResponseSize int64 = 32 << 20

// maxErrorBody bounds the body kept in a TransportError.
const maxErrorBody = 4 << 10

// DecodeResponse reads a JSON body up to MaxResponseSize and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns a prefix of an error response body for diagnostics. Read
// errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}

// drain discards what is left of a body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
	body.Close()
}
