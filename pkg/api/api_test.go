package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/seeder"
)

const testKey = "0101010101010101010101010101010101010101010101010101010101010101"

type fakeSeeder struct {
	ready      bool
	registered chan logstore.Key
	statuses   map[logstore.Key]*seeder.Status
	statusErr  error
}

func (f *fakeSeeder) Ready() bool {
	return f.ready
}

func (f *fakeSeeder) RegisterHypercore(ctx context.Context, key logstore.Key) error {
	f.registered <- key
	return nil
}

func (f *fakeSeeder) GetHypercoreStatus(ctx context.Context, key logstore.Key) (*seeder.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statuses[key], nil
}

func newFakeSeeder(t *testing.T) *fakeSeeder {
	t.Helper()

	key, err := logstore.ParseKey(testKey)
	require.NoError(t, err)
	return &fakeSeeder{
		ready:      true,
		registered: make(chan logstore.Key, 10),
		statuses: map[logstore.Key]*seeder.Status{
			key: {
				Key:              key,
				Length:           10,
				ContiguousLength: 8,
				LastUpdated:      time.UnixMilli(1_700_000_000_000),
			},
		},
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid key",
			body:           `{"publicKey":"` + testKey + `"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"ok"}`,
		},
		{
			name:           "short key",
			body:           `{"publicKey":"0101"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "not hex",
			body:           `{"publicKey":"` + strings.Repeat("z", 64) + `"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid json",
			body:           `{`,
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sd := newFakeSeeder(t)
			a, err := NewAPI(sd)
			require.NoError(t, err)

			rw := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/seeding/hypercore", strings.NewReader(tt.body))
			a.Handler().ServeHTTP(rw, req)

			require.Equal(t, tt.expectedStatus, rw.Code)
			if tt.expectedStatus != http.StatusOK {
				require.Empty(t, sd.registered)
				return
			}
			require.JSONEq(t, tt.expectedBody, rw.Body.String())
			select {
			case key := <-sd.registered:
				require.Equal(t, testKey, key.String())
			case <-time.After(5 * time.Second):
				t.Fatal("log was not registered")
			}
		})
	}
}

func TestRegisterBeforeOpen(t *testing.T) {
	t.Parallel()

	sd := newFakeSeeder(t)
	sd.ready = false
	a, err := NewAPI(sd)
	require.NoError(t, err)

	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/seeding/hypercore", strings.NewReader(`{"publicKey":"`+testKey+`"}`))
	a.Handler().ServeHTTP(rw, req)
	require.Equal(t, http.StatusServiceUnavailable, rw.Code)
	require.JSONEq(t, `{"message":"seeder is not open","error":"Service Unavailable","statusCode":503}`, rw.Body.String())
	require.Empty(t, sd.registered)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		statusErr      error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "known key",
			path:           "/seeding/hypercore/" + testKey,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"key":"` + testKey + `","length":10,"contiguousLength":8,"lastUpdated":1700000000000}`,
		},
		{
			name:           "unknown key",
			path:           "/seeding/hypercore/" + strings.Repeat("02", 32),
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"message":"key is not known","error":"Not Found","statusCode":404}`,
		},
		{
			name:           "invalid key",
			path:           "/seeding/hypercore/abc",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "seeder error",
			path:           "/seeding/hypercore/" + testKey,
			statusErr:      errors.New("store failure"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"message":"store failure","error":"Internal Server Error","statusCode":500}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sd := newFakeSeeder(t)
			sd.statusErr = tt.statusErr
			a, err := NewAPI(sd)
			require.NoError(t, err)

			rw := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			a.Handler().ServeHTTP(rw, req)

			require.Equal(t, tt.expectedStatus, rw.Code)
			if tt.expectedBody != "" {
				require.JSONEq(t, tt.expectedBody, rw.Body.String())
			}
		})
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	sd := newFakeSeeder(t)
	a, err := NewAPI(sd)
	require.NoError(t, err)

	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/seeding/hypercore/"+testKey, nil)
	a.Handler().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	require.JSONEq(t, `{"status":"ok"}`, rw.Body.String())

	rw = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/seeding/hypercore/abc", nil)
	a.Handler().ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestReady(t *testing.T) {
	t.Parallel()

	sd := newFakeSeeder(t)
	a, err := NewAPI(sd)
	require.NoError(t, err)

	rw := httptest.NewRecorder()
	a.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rw.Code)

	sd.ready = false
	rw = httptest.NewRecorder()
	a.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rw.Code)

	msg := map[string]any{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &msg))
	require.Equal(t, "seeder is not open", msg["message"])
}
