package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/config"
)

func TestServerBaseURL(t *testing.T) {
	cfg = config.DefaultConfig()
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8086

	t.Run("flag wins", func(t *testing.T) {
		assert.Equal(t, "http://example.com:9000", serverBaseURL("http://example.com:9000"))
	})

	t.Run("environment fallback", func(t *testing.T) {
		t.Setenv("DOCMILL_SERVER_URL", "http://envhost:7000")
		assert.Equal(t, "http://envhost:7000", serverBaseURL(""))
	})

	t.Run("wildcard host becomes localhost", func(t *testing.T) {
		assert.Equal(t, "http://localhost:8086", serverBaseURL(""))
	})

	t.Run("configured host is kept", func(t *testing.T) {
		cfg.Server.Host = "docmill.internal"
		defer func() { cfg.Server.Host = "0.0.0.0" }()
		assert.Equal(t, "http://docmill.internal:8086", serverBaseURL(""))
	})
}

func TestAPIKeyTransport(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Run("adds header when key is set", func(t *testing.T) {
		client := &http.Client{Transport: &apiKeyTransport{key: "secret", base: http.DefaultTransport}}
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "secret", gotKey)
	})

	t.Run("leaves request alone without a key", func(t *testing.T) {
		client := &http.Client{Transport: &apiKeyTransport{base: http.DefaultTransport}}
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, gotKey)
	})
}
