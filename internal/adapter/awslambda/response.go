package awslambda

import (
	"bytes"
	"net/http"
)

// responseRecorder captures the handler's reply so it can be folded back
// into a Lambda response payload.
type responseRecorder struct {
	Headers    http.Header
	Body       bytes.Buffer
	StatusCode int

	wroteHeader bool
}

func (r *responseRecorder) Header() http.Header {
	return r.Headers
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.Body.Write(data)
}

func (r *responseRecorder) WriteHeader(status int) {
	r.StatusCode = status
	r.wroteHeader = true
}
