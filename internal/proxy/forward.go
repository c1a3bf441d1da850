package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/store"
)

// candidateHosts are where a published sandbox port may be reachable,
// depending on how the engine is deployed: a docker-in-docker sidecar, the
// compose-named sidecar, the bridge gateway, or the local daemon.
var candidateHosts = []string{
	"docker-daemon",
	"engine-docker-daemon-1",
	"172.17.0.1",
	"localhost",
}

const (
	forwardRetries     = 3
	forwardBaseBackoff = 1 * time.Second
	backoffMultiplier  = 1.5
)

// Hop-by-hop and encoding headers the proxy owns rather than forwards.
var droppedRequestHeaders = []string{"Host", "Proxy-Connection", "Accept-Encoding"}
var droppedResponseHeaders = []string{"Content-Encoding", "Transfer-Encoding"}

// Proxy forwards HTTP and WebSocket traffic to sandbox services.
type Proxy struct {
	routes *store.ExposedPortRepo
	client *http.Client
	hosts  []string
	log    zerolog.Logger
}

// New creates a proxy over the routing table.
func New(routes *store.ExposedPortRepo, log zerolog.Logger) *Proxy {
	return &Proxy{
		routes: routes,
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects pass through to the browser untouched.
				return http.ErrUseLastResponse
			},
		},
		hosts: candidateHosts,
		log:   log.With().Str("component", "proxy").Logger(),
	}
}

// Routes returns the active routing table.
func (p *Proxy) Routes() ([]*store.ExposedPort, error) {
	return p.routes.List()
}

// ServeRoute handles a request under /proxy/<id>.
func (p *Proxy) ServeRoute(w http.ResponseWriter, r *http.Request, proxyID string) {
	proxyPath := "/proxy/" + proxyID
	route, err := p.routes.GetByProxyPath(proxyPath)
	if err != nil {
		http.Error(w, "no service registered at "+proxyPath, http.StatusNotFound)
		return
	}

	go func() { _ = p.routes.TouchLastAccessed(route.ID) }()

	target := rewritePath(route.ServiceType, proxyPath, r.URL.Path)
	if isWebSocketUpgrade(r) {
		targets := []string{target}
		// Streamlit serves its socket at root on most builds but under the
		// full prefix on some; try the unstripped path as a fallback.
		if route.ServiceType == "streamlit" && r.URL.Path != target {
			targets = append(targets, r.URL.Path)
		}
		p.relayWebSocket(w, r, route, targets)
		return
	}
	p.forward(w, r, route, target)
}

// ServeStatic handles stray asset requests that bypassed the proxy prefix.
func (p *Proxy) ServeStatic(w http.ResponseWriter, r *http.Request) {
	if !isStaticAsset(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	routes, err := p.routes.List()
	if err != nil || len(routes) == 0 {
		http.NotFound(w, r)
		return
	}
	route := pickFallbackRoute(r.URL.Path, routes)
	if route == nil {
		http.NotFound(w, r)
		return
	}
	// Re-home the stray path under the chosen service's prefix so dash sees
	// its base pathname; for everyone else the prefix strips straight back off.
	target := rewritePath(route.ServiceType, route.ProxyPath, route.ProxyPath+r.URL.Path)
	p.forward(w, r, route, target)
}

// forward relays one HTTP request, walking the candidate hosts and retrying
// with backoff until one answers.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, route *store.ExposedPort, targetPath string) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	}

	backoff := forwardBaseBackoff
	var lastErr error
	for attempt := 0; attempt < forwardRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff = time.Duration(float64(backoff) * backoffMultiplier)
		}
		for _, host := range p.hosts {
			resp, err := p.tryHost(r, host, route.ExternalPort, targetPath, body)
			if err != nil {
				lastErr = err
				continue
			}
			defer resp.Body.Close()
			writeResponse(w, resp)
			return
		}
	}

	p.log.Warn().Err(lastErr).Str("proxy_path", route.ProxyPath).Msg("All upstream candidates failed")
	http.Error(w, "service unreachable", http.StatusServiceUnavailable)
}

func (p *Proxy) tryHost(r *http.Request, host string, port int, targetPath string, body []byte) (*http.Response, error) {
	target := fmt.Sprintf("http://%s:%d%s", host, port, targetPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req, r, host)
	return p.client.Do(req)
}

func copyRequestHeaders(out *http.Request, in *http.Request, upstreamHost string) {
	for name, values := range in.Header {
		if headerIn(name, droppedRequestHeaders) {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	out.Host = upstreamHost

	clientIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		clientIP = host
	}
	out.Header.Set("X-Real-IP", clientIP)
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Proto", "http")
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if headerIn(name, droppedResponseHeaders) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func headerIn(name string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
