// Package testutil provides common test helpers for CarePipe packages that
// sit above the engine.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// NewTestEngine creates an engine over st with a mock generator and the
// embedded catalog. A nil st uses a fresh in-memory store.
func NewTestEngine(t *testing.T, st store.Store, opts ...flow.Option) (*flow.Engine, *genai.MockGenerator) {
	t.Helper()
	if st == nil {
		st = store.NewInMemoryStore()
	}
	gen := genai.NewMockGenerator()
	engine, err := flow.NewEngine(st, gen, catalog.Default(), opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, gen
}

// AssertHTTPStatus checks the recorded status code and stops the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Fatalf("expected status %d, got %d: %s", expected, rr.Code, rr.Body.String())
	}
}

// CreateHTTPRequest creates a request whose body is body marshalled as JSON.
// A string body is sent as is.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		reqBody = bytes.NewReader(MustMarshalJSON(t, b))
	}
	req := httptest.NewRequest(method, url, reqBody)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
