// Package tunnel publishes the HTTP server on a public ngrok endpoint so
// browsers and agents outside the private network can reach it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/btouchard/teamsphere/internal/config"
)

// ErrNoAuthToken is returned by Open when no ngrok token is configured.
var ErrNoAuthToken = errors.New("ngrok auth token is required (set tunnel.authtoken or TEAMSPHERE_NGROK_AUTHTOKEN)")

// Ngrok owns one ngrok HTTP endpoint.
type Ngrok struct {
	authToken string
	domain    string

	listener net.Listener
	url      string
}

// New returns an unopened tunnel for cfg.
func New(cfg config.TunnelConfig) *Ngrok {
	return &Ngrok{authToken: cfg.AuthToken, domain: cfg.Domain}
}

// Open creates the endpoint. The returned listener accepts the public
// traffic; pass it to http.Server.Serve. Websocket upgrades pass through.
func (n *Ngrok) Open(ctx context.Context) (net.Listener, error) {
	if n.authToken == "" {
		return nil, ErrNoAuthToken
	}

	endpoint := ngrokconfig.HTTPEndpoint()
	if n.domain != "" {
		endpoint = ngrokconfig.HTTPEndpoint(ngrokconfig.WithDomain(n.domain))
	}

	ln, err := ngroklib.Listen(ctx, endpoint, ngroklib.WithAuthtoken(n.authToken))
	if err != nil {
		return nil, fmt.Errorf("opening ngrok endpoint: %w", err)
	}

	n.listener = ln
	n.url = publicURL(ln.Addr().String())
	slog.Info("public endpoint ready", "url", n.url)
	return ln, nil
}

// URL returns the public base URL, or "" before Open.
func (n *Ngrok) URL() string {
	return n.url
}

// Close tears the endpoint down. Closing an unopened tunnel is a no-op.
func (n *Ngrok) Close() error {
	if n.listener == nil {
		return nil
	}
	err := n.listener.Close()
	n.listener = nil
	n.url = ""
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing ngrok endpoint: %w", err)
	}
	return nil
}

func publicURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
