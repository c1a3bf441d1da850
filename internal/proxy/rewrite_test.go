package proxy

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supakiln/engine/internal/store"
)

func TestRewriteStripsPrefixForStreamlit(t *testing.T) {
	assert.Equal(t, "/", rewritePath("streamlit", "/proxy/abc123", "/proxy/abc123"))
	assert.Equal(t, "/", rewritePath("streamlit", "/proxy/abc123", "/proxy/abc123/"))
	assert.Equal(t, "/_stcore/stream", rewritePath("streamlit", "/proxy/abc123", "/proxy/abc123/_stcore/stream"))
}

func TestRewriteStripsPrefixForAPIFrameworks(t *testing.T) {
	assert.Equal(t, "/api/items", rewritePath("fastapi", "/proxy/x1", "/proxy/x1/api/items"))
	assert.Equal(t, "/login", rewritePath("flask", "/proxy/x1", "/proxy/x1/login"))
	assert.Equal(t, "/queue/join", rewritePath("gradio", "/proxy/x1", "/proxy/x1/queue/join"))
}

func TestRewritePreservesPrefixForDash(t *testing.T) {
	assert.Equal(t, "/proxy/abc123/_dash-layout", rewritePath("dash", "/proxy/abc123", "/proxy/abc123/_dash-layout"))
	assert.Equal(t, "/proxy/abc123/", rewritePath("dash", "/proxy/abc123", "/proxy/abc123/"))
}

func TestRewriteDashAddsTrailingSlash(t *testing.T) {
	assert.Equal(t, "/proxy/abc123/", rewritePath("dash", "/proxy/abc123", "/proxy/abc123"))
}

func TestIsStaticAsset(t *testing.T) {
	assert.True(t, isStaticAsset("/static/js/app.js"))
	assert.True(t, isStaticAsset("/_stcore/stream"))
	assert.True(t, isStaticAsset("/favicon.ico"))
	assert.True(t, isStaticAsset("/_dash-layout"))
	assert.True(t, isStaticAsset("/_dash-component-suites/dash/dcc.js"))

	assert.False(t, isStaticAsset("/api/items"))
	assert.False(t, isStaticAsset("/staticfile"))
	assert.False(t, isStaticAsset("/"))
}

func TestPickFallbackRoutePrefersDashForDashPaths(t *testing.T) {
	routes := []*store.ExposedPort{
		{ServiceType: "streamlit", ProxyPath: "/proxy/st1"},
		{ServiceType: "dash", ProxyPath: "/proxy/da1"},
	}
	route := pickFallbackRoute("/_dash-update-component", routes)
	require.NotNil(t, route)
	assert.Equal(t, "dash", route.ServiceType)
}

func TestPickFallbackRoutePrefersStreamlitOtherwise(t *testing.T) {
	routes := []*store.ExposedPort{
		{ServiceType: "flask", ProxyPath: "/proxy/fl1"},
		{ServiceType: "streamlit", ProxyPath: "/proxy/st1"},
	}
	route := pickFallbackRoute("/static/app.css", routes)
	require.NotNil(t, route)
	assert.Equal(t, "streamlit", route.ServiceType)
}

func TestPickFallbackRouteNoClaimingFramework(t *testing.T) {
	// Flask never claims stray assets; the request must 404 rather than hit
	// an arbitrary service.
	routes := []*store.ExposedPort{{ServiceType: "flask", ProxyPath: "/proxy/fl1"}}
	assert.Nil(t, pickFallbackRoute("/assets/logo.png", routes))
	assert.Nil(t, pickFallbackRoute("/_dash-layout", routes))
	assert.Nil(t, pickFallbackRoute("/assets/logo.png", nil))
}

func TestPickFallbackRoutePrefersMostRecentlyActive(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	routes := []*store.ExposedPort{
		{ServiceType: "streamlit", ProxyPath: "/proxy/old1", CreatedAt: older, LastAccessed: &older},
		{ServiceType: "streamlit", ProxyPath: "/proxy/new1", CreatedAt: older, LastAccessed: &newer},
	}
	route := pickFallbackRoute("/static/app.css", routes)
	require.NotNil(t, route)
	assert.Equal(t, "/proxy/new1", route.ProxyPath)
}

func TestPickFallbackRouteNeverAccessedUsesCreation(t *testing.T) {
	routes := []*store.ExposedPort{
		{ServiceType: "streamlit", ProxyPath: "/proxy/old1", CreatedAt: time.Now().Add(-time.Hour)},
		{ServiceType: "streamlit", ProxyPath: "/proxy/new1", CreatedAt: time.Now()},
	}
	route := pickFallbackRoute("/_stcore/stream", routes)
	require.NotNil(t, route)
	assert.Equal(t, "/proxy/new1", route.ProxyPath)
}

func TestCopyRequestHeaders(t *testing.T) {
	in := httptest.NewRequest("GET", "/proxy/abc/page", nil)
	in.RemoteAddr = "10.1.2.3:54321"
	in.Header.Set("Accept-Encoding", "gzip")
	in.Header.Set("Proxy-Connection", "keep-alive")
	in.Header.Set("Cookie", "session=1")

	out := httptest.NewRequest("GET", "http://upstream:9100/page", nil)
	copyRequestHeaders(out, in, "upstream")

	assert.Empty(t, out.Header.Get("Accept-Encoding"))
	assert.Empty(t, out.Header.Get("Proxy-Connection"))
	assert.Equal(t, "session=1", out.Header.Get("Cookie"))
	assert.Equal(t, "upstream", out.Host)
	assert.Equal(t, "10.1.2.3", out.Header.Get("X-Real-IP"))
	assert.Equal(t, "10.1.2.3", out.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", out.Header.Get("X-Forwarded-Proto"))
}

func TestCopyRequestHeadersAppendsForwardedFor(t *testing.T) {
	in := httptest.NewRequest("GET", "/proxy/abc", nil)
	in.RemoteAddr = "10.0.0.2:1000"
	in.Header.Set("X-Forwarded-For", "203.0.113.9")

	out := httptest.NewRequest("GET", "http://upstream:9100/", nil)
	copyRequestHeaders(out, in, "upstream")
	assert.Equal(t, "203.0.113.9, 10.0.0.2", out.Header.Get("X-Forwarded-For"))
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "/proxy/abc/_stcore/stream", nil)
	assert.False(t, isWebSocketUpgrade(r))

	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, isWebSocketUpgrade(r))
}
