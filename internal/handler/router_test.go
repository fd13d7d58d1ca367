package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, req chat.CompletionRequest) (chat.CompletionReply, error) {
	return chat.CompletionReply{ResponseText: req.Message}, nil
}

func TestRouterServesAPIAndHealth(t *testing.T) {
	mgr, err := engine.NewManager(engine.Services{Completer: echoCompleter{}}, engine.Config{})
	require.NoError(t, err)
	defer mgr.Shutdown(context.Background())

	router := NewRouter(mgr, Options{AllowedOrigins: []string{"https://app.example.com"}})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusCreated, resp.Code)

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"sessions":1`)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, "https://app.example.com", resp.Header().Get("Access-Control-Allow-Origin"))
}
