package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/peterje/termhub/internal/api"
	"github.com/rs/zerolog"
)

// hostURL is a placeholder; every connection goes through the tunnel.
var hostURL = &url.URL{Scheme: "http", Host: "termhub-host"}

// newProxy forwards requests, WebSocket upgrades included, over streams
// opened on link. The original Host header is kept so the host's origin
// check sees the relay's address.
func newProxy(link *hostLink, log zerolog.Logger) *httputil.ReverseProxy {
	transport := &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return link.open()
		},
		// Streams are cheap; pooling them would pin dead ones after a reconnect.
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(hostURL)
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Del("Authorization")
			q := pr.Out.URL.Query()
			if q.Has(tokenParam) {
				q.Del(tokenParam)
				pr.Out.URL.RawQuery = q.Encode()
			}
			pr.SetXForwarded()
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, errNoHost) {
				api.WriteError(w, http.StatusBadGateway, "host not connected")
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("proxy failed")
			api.WriteError(w, http.StatusBadGateway, "tunnel error")
		},
	}
}
