package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseRecorder is a wrapper around http.ResponseWriter that passes the response through
// while remembering its status code and size.
// It optionally keeps the first bytes of the body, e.g. for logging origin errors.
type ResponseRecorder struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	keepBytes    int
	status       int
	written      int
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.written += n
	if keep := t.keepBytes - t.b.Len(); keep > 0 {
		if keep > n {
			keep = n
		}
		t.b.Write(b[:keep])
	}
	return n, err
}

// Unwrap returns the underlying http.ResponseWriter, for http.ResponseController.
func (t *ResponseRecorder) Unwrap() http.ResponseWriter {
	return t.rw
}

// Body returns the kept start of the response body.
func (t *ResponseRecorder) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response, or 0 if nothing was written.
func (t *ResponseRecorder) StatusCode() int {
	return t.status
}

// Written returns the number of body bytes written.
func (t *ResponseRecorder) Written() int {
	return t.written
}

// Duration returns the time since the recorder was created.
func (t *ResponseRecorder) Duration() time.Duration {
	return time.Since(t.CreatedAt)
}

// NewResponseRecorder returns a new ResponseRecorder writing to w.
// Up to keepBytes bytes of the body are kept.
func NewResponseRecorder(w http.ResponseWriter, keepBytes int) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		keepBytes: keepBytes,
	}
}
