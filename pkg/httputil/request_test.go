package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "unknown field", body: `{"name": "test", "admin": true}`, expectError: true},
		{name: "empty body", body: ``, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dest struct {
				Name string `json:"name"`
			}

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "test", dest.Name)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`nope`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON")
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/accounts/alice", nil)
	req = mux.SetURLVars(req, map[string]string{"username": "alice"})

	val, err := ParsePathString(req, "username")
	assert.NoError(t, err)
	assert.Equal(t, "alice", val)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, req, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		want        int
		expectError bool
	}{
		{name: "default", query: "", want: 50},
		{name: "value", query: "?limit=10", want: 10},
		{name: "not a number", query: "?limit=ten", expectError: true},
		{name: "negative", query: "?limit=-1", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/accounts"+tt.query, nil)
			got, err := ParseQueryInt(req, "limit", 50)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/accounts?status=pending", nil)
	assert.Equal(t, "pending", ParseQueryString(req, "status", ""))
	assert.Equal(t, "x", ParseQueryString(req, "missing", "x"))
}
