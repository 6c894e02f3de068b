package mux

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "http_requests_inflight",
		Help: "Number of requests currently being served.",
	}, []string{"handler"})
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "The latency of the HTTP requests.",
	}, []string{"handler", "method", "code"})
	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "The size of the HTTP responses.",
		Buckets: prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"handler", "method", "code"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HttpRequestsInflight)
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpResponseSizeHistogram)
}

type HandlerFunc func(rw ResponseWriter, req *http.Request)

type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) Handle(pattern string, handler HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		rw, ok := w.(ResponseWriter)
		if !ok {
			rw = &response{ResponseWriter: w}
		}
		handler(rw, req)
	})
}

func (s *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rw := &response{ResponseWriter: w}
	defer func() {
		handler := rw.handler
		if handler == "" {
			handler = "unknown"
		}
		code := strconv.FormatInt(int64(rw.Status()), 10)
		HttpRequestDurHistogram.WithLabelValues(handler, req.Method, code).Observe(time.Since(start).Seconds())
		HttpResponseSizeHistogram.WithLabelValues(handler, req.Method, code).Observe(float64(rw.Size()))

		kvs := []any{
			"path", req.URL.Path,
			"status", rw.Status(),
			"method", req.Method,
			"latency", time.Since(start).String(),
			"ip", req.RemoteAddr,
			"handler", handler,
		}
		if rw.Status() >= 200 && rw.Status() < 300 {
			s.log.Info("", kvs...)
			return
		}
		s.log.Error(rw.Error(), "", kvs...)
	}()

	_, pattern := s.mux.Handler(req)
	if pattern == "" {
		rw.SetHandler("not-found")
		rw.WriteError(http.StatusNotFound, errors.New("route not found"))
		return
	}
	HttpRequestsInflight.WithLabelValues(pattern).Inc()
	defer HttpRequestsInflight.WithLabelValues(pattern).Dec()
	// Serve through the mux so that path values are set on the request.
	s.mux.ServeHTTP(rw, req)
}

type errorMessage struct {
	Message    string `json:"message"`
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

func errorBody(statusCode int, err error) []byte {
	msg := errorMessage{
		Error:      http.StatusText(statusCode),
		StatusCode: statusCode,
	}
	if err != nil {
		msg.Message = err.Error()
	}
	b, _ := json.Marshal(msg)
	return b
}
