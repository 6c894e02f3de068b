package mux

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	WriteError(statusCode int, err error)
	SetHandler(handler string)
	Error() error
	Status() int
	Size() int64
}

var (
	_ http.ResponseWriter = &response{}
	_ http.Hijacker       = &response{}
	_ ResponseWriter      = &response{}
)

type response struct {
	http.ResponseWriter
	error         error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if !r.writtenHeader {
		r.writtenHeader = true
		r.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

// WriteError writes the status code and a JSON error body. The error is kept
// so that it can be logged once the request completes.
func (r *response) WriteError(statusCode int, err error) {
	r.error = err
	r.Header().Set("Content-Type", "application/json; charset=utf-8")
	r.WriteHeader(statusCode)
	_, _ = r.Write(errorBody(statusCode, err))
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Error() error {
	return r.error
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}

func (r *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("unable to hijack response writer")
	}
	return hj.Hijack()
}
