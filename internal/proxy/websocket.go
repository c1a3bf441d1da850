package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/supakiln/engine/internal/store"
)

const wsHandshakeTimeout = 10 * time.Second

// relayWebSocket upgrades the client connection and splices it to the
// service's WebSocket endpoint. Streamlit's live updates and gradio's queue
// both run over this path.
func (p *Proxy) relayWebSocket(w http.ResponseWriter, r *http.Request, route *store.ExposedPort, targetPaths []string) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer clientConn.Close(websocket.StatusInternalError, "relay closed")

	upstream, err := p.dialUpstream(r.Context(), route, targetPaths, r.URL.RawQuery)
	if err != nil {
		p.log.Warn().Err(err).Str("proxy_path", route.ProxyPath).Msg("WebSocket upstream unreachable")
		clientConn.Close(websocket.StatusBadGateway, "service unreachable")
		return
	}
	defer upstream.Close(websocket.StatusInternalError, "relay closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errc := make(chan error, 2)
	go pump(ctx, clientConn, upstream, errc)
	go pump(ctx, upstream, clientConn, errc)

	// First closed side ends the session; the deferred closes tear down the other.
	<-errc
	clientConn.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")
}

func (p *Proxy) dialUpstream(ctx context.Context, route *store.ExposedPort, targetPaths []string, rawQuery string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()

	var lastErr error
	for _, targetPath := range targetPaths {
		for _, host := range p.hosts {
			target := fmt.Sprintf("ws://%s:%d%s", host, route.ExternalPort, targetPath)
			if rawQuery != "" {
				target += "?" + rawQuery
			}
			conn, _, err := websocket.Dial(dialCtx, target, nil)
			if err != nil {
				lastErr = err
				continue
			}
			return conn, nil
		}
	}
	return nil, lastErr
}

// pump copies messages from src to dst until either side closes.
func pump(ctx context.Context, src, dst *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		if err := dst.Write(ctx, msgType, data); err != nil {
			errc <- err
			return
		}
	}
}
