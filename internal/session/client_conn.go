package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn is a participant's link to the admin.
type ClientConn struct {
	*conn
	url string
}

// Dial opens a link to rawURL, giving up after timeout.
func Dial(ctx context.Context, rawURL string, timeout time.Duration, opts Options) (*ClientConn, error) {
	target, err := NormalizeWSURL(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ws, _, err := dialer.DialContext(dctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	opts = opts.withDefaults()
	opts.Log = opts.Log.With("url", target)
	return &ClientConn{conn: newConn(ws, opts), url: target}, nil
}

func (c *ClientConn) PeerID() string {
	return c.url
}

// NormalizeWSURL accepts ws(s):// as is and maps http(s):// to ws(s)://.
func NormalizeWSURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
