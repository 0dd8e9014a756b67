package api

import (
	"bytes"
	"io"
	"net/http"
)

// captureBody reads and returns the body while allowing it to be read again
func captureBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
