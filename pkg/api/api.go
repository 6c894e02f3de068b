// Package api serves the HTTP interface for requesting and inspecting
// seeding.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"

	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/mux"
	"hyperseeder/pkg/seeder"
)

const maxBodySize = 64 << 10

var (
	ErrKeyNotKnown = errors.New("key is not known")
	ErrNotReady    = errors.New("seeder is not open")
)

// Seeder is the part of the seeder the API uses.
type Seeder interface {
	Ready() bool
	RegisterHypercore(ctx context.Context, key logstore.Key) error
	GetHypercoreStatus(ctx context.Context, key logstore.Key) (*seeder.Status, error)
}

var _ Seeder = &seeder.Seeder{}

type APIConfig struct {
	Log logr.Logger
	// Context used for registrations that continue after the response.
	BaseContext context.Context
}

func (cfg *APIConfig) Apply(opts ...APIOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type APIOption func(cfg *APIConfig) error

func WithLogger(log logr.Logger) APIOption {
	return func(cfg *APIConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithBaseContext(ctx context.Context) APIOption {
	return func(cfg *APIConfig) error {
		cfg.BaseContext = ctx
		return nil
	}
}

type API struct {
	seeder  Seeder
	log     logr.Logger
	baseCtx context.Context
}

func NewAPI(sd Seeder, opts ...APIOption) (*API, error) {
	cfg := APIConfig{
		Log:         logr.Discard(),
		BaseContext: context.Background(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &API{
		seeder:  sd,
		log:     cfg.Log,
		baseCtx: cfg.BaseContext,
	}, nil
}

func (a *API) Handler() http.Handler {
	m := mux.NewServeMux(a.log)
	m.Handle("GET /healthz", a.readyHandler)
	m.Handle("POST /seeding/hypercore", a.registerHandler)
	m.Handle("GET /seeding/hypercore/{key}", a.statusHandler)
	m.Handle("DELETE /seeding/hypercore/{key}", a.removeHandler)
	return m
}

type registerRequest struct {
	PublicKey string `json:"publicKey"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type hypercoreStatus struct {
	Key              string `json:"key"`
	Length           uint64 `json:"length"`
	ContiguousLength uint64 `json:"contiguousLength"`
	LastUpdated      int64  `json:"lastUpdated"`
}

func (a *API) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	if !a.seeder.Ready() {
		rw.WriteError(http.StatusServiceUnavailable, ErrNotReady)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (a *API) registerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("register")
	// Registrations before open would be acknowledged and then lost.
	if !a.seeder.Ready() {
		rw.WriteError(http.StatusServiceUnavailable, ErrNotReady)
		return
	}
	b, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		rw.WriteError(http.StatusBadRequest, fmt.Errorf("could not read body: %w", err))
		return
	}
	body := registerRequest{}
	if err := json.Unmarshal(b, &body); err != nil {
		rw.WriteError(http.StatusBadRequest, fmt.Errorf("could not decode body: %w", err))
		return
	}
	key, err := logstore.ParseKey(body.PublicKey)
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}

	// Registration continues after the response is written.
	go func() {
		log := a.log.WithValues("key", key.Short())
		ctx := logr.NewContext(a.baseCtx, log)
		if err := a.seeder.RegisterHypercore(ctx, key); err != nil {
			log.Error(err, "could not register log")
		}
	}()
	writeJSON(rw, http.StatusOK, statusResponse{Status: "ok"})
}

func (a *API) statusHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("status")
	key, err := logstore.ParseKey(req.PathValue("key"))
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	status, err := a.seeder.GetHypercoreStatus(req.Context(), key)
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, err)
		return
	}
	if status == nil {
		rw.WriteError(http.StatusNotFound, ErrKeyNotKnown)
		return
	}
	writeJSON(rw, http.StatusOK, hypercoreStatus{
		Key:              status.Key.String(),
		Length:           status.Length,
		ContiguousLength: status.ContiguousLength,
		LastUpdated:      status.LastUpdated.UnixMilli(),
	})
}

// removeHandler validates and acknowledges removal requests. Removal is
// disabled until requests can be authorized.
func (a *API) removeHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("remove")
	key, err := logstore.ParseKey(req.PathValue("key"))
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	a.log.Info("ignoring removal request, removal is disabled", "key", key.Short())
	writeJSON(rw, http.StatusOK, statusResponse{Status: "ok"})
}

func writeJSON(rw mux.ResponseWriter, statusCode int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(statusCode)
	//nolint: errcheck // Ignore error.
	rw.Write(b)
}
