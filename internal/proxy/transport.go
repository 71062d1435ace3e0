package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Transport builds an HTTP transport that egresses through rec. http and
// https proxies use CONNECT; socks5 dials through golang.org/x/net/proxy.
func Transport(rec Record, timeout time.Duration) (*http.Transport, error) {
	base := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}

	switch rec.Protocol {
	case "http", "https":
		tr.Proxy = http.ProxyURL(rec.URL())
		tr.DialContext = base.DialContext
	case "socks5":
		var auth *xproxy.Auth
		if rec.Username != "" && rec.Password != "" {
			auth = &xproxy.Auth{User: rec.Username, Password: rec.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", rec.URL().Host, auth, base)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", rec.Display(), err)
		}
		ctxDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", rec.Display())
		}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("proxy %s: unsupported protocol %q", rec.Display(), rec.Protocol)
	}
	return tr, nil
}
