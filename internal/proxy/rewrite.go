// Package proxy forwards browser traffic to web services running in sandboxes,
// including WebSocket sessions, with per-framework path handling.
package proxy

import (
	"strings"
	"time"

	"github.com/supakiln/engine/internal/store"
)

// rewritePath maps the external request path to the path the framework
// expects. Dash builds its internal URLs from url_base_pathname and must see
// the full prefixed path; every other framework serves from / and gets the
// prefix stripped.
func rewritePath(serviceType, proxyPath, requestPath string) string {
	if serviceType == "dash" {
		// Dash treats /proxy/<id> and /proxy/<id>/ differently; only the
		// latter matches its base pathname.
		if requestPath == proxyPath {
			return proxyPath + "/"
		}
		return requestPath
	}

	rest := strings.TrimPrefix(requestPath, proxyPath)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// Frameworks emit absolute asset URLs that bypass the /proxy/<id> prefix.
// Requests matching these path fragments are routed to a running service by
// convention instead of 404ing.
var staticAssetPatterns = []string{
	"static",
	"assets",
	"public",
	"_stcore",
	"favicon.ico",
	"manifest.json",
	"_dash-component-suites",
	"_dash-layout",
	"_dash-dependencies",
	"_dash-update-component",
}

// isStaticAsset reports whether a stray path looks like a framework asset
// request that should fall through to a service.
func isStaticAsset(path string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	first := trimmed
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		first = trimmed[:i]
	}
	for _, pattern := range staticAssetPatterns {
		if first == pattern {
			return true
		}
	}
	return false
}

// pickFallbackRoute chooses which service receives a stray asset request.
// Dash internals go to a dash service when one exists, falling back to
// streamlit; everything else goes to streamlit, whose asset paths are the
// most common offenders. Ties break to the most recently active service, and
// a path no running framework claims gets nothing.
func pickFallbackRoute(path string, routes []*store.ExposedPort) *store.ExposedPort {
	preferred := "streamlit"
	if strings.Contains(path, "_dash-") {
		preferred = "dash"
	}
	if route := mostRecentOfType(routes, preferred); route != nil {
		return route
	}
	if preferred == "dash" {
		return mostRecentOfType(routes, "streamlit")
	}
	return nil
}

func mostRecentOfType(routes []*store.ExposedPort, serviceType string) *store.ExposedPort {
	var best *store.ExposedPort
	for _, route := range routes {
		if route.ServiceType != serviceType {
			continue
		}
		if best == nil || lastActive(route).After(lastActive(best)) {
			best = route
		}
	}
	return best
}

// lastActive is when the service last saw proxied traffic, or its creation
// time when it never has.
func lastActive(route *store.ExposedPort) time.Time {
	if route.LastAccessed != nil {
		return *route.LastAccessed
	}
	return route.CreatedAt
}
