package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	startup := NewStartupCompleteChecker()
	healthy := CheckerFunc(func() error { return nil })
	checker := NewMultiChecker(startup, healthy)
	assert.Error(t, checker.Check())

	startup.MarkComplete()
	assert.NoError(t, checker.Check())

	checker.Add(CheckerFunc(func() error { return errors.New("unlinked") }))
	err := checker.Check()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unlinked")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	tests := map[string]struct {
		method   string
		checkErr error
		expected int
	}{
		"healthy": {
			method:   http.MethodGet,
			expected: http.StatusNoContent,
		},
		"unhealthy": {
			method:   http.MethodGet,
			checkErr: errors.New("unlinked"),
			expected: http.StatusServiceUnavailable,
		},
		"wrong method": {
			method:   http.MethodPost,
			expected: http.StatusMethodNotAllowed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			SetupHttpMux(mux, CheckerFunc(func() error { return tc.checkErr }))
			recorder := httptest.NewRecorder()
			mux.ServeHTTP(recorder, httptest.NewRequest(tc.method, "/health", nil))
			assert.Equal(t, tc.expected, recorder.Code)
		})
	}
}
