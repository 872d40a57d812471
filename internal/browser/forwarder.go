// internal/browser/forwarder.go
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"
)

// Forwarder is a local unauthenticated proxy that relays to an upstream
// proxy with credentials. Chrome cannot send proxy credentials from flags.
type Forwarder struct {
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger
	done     chan struct{}
}

// NewForwarder starts a forwarder on a random loopback port.
func NewForwarder(upstream *url.URL, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if upstream == nil || upstream.Host == "" {
		return nil, errors.New("forwarder needs an upstream proxy")
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Verbose = false

	switch upstream.Scheme {
	case "http", "https":
		gp.Tr = &http.Transport{Proxy: http.ProxyURL(upstream), ForceAttemptHTTP2: false}
		bare := *upstream
		bare.User = nil
		auth := proxyAuthorization(upstream.User)
		gp.ConnectDial = gp.NewConnectDialToProxyWithHandler(bare.String(), func(req *http.Request) {
			if auth != "" {
				req.Header.Set("Proxy-Authorization", auth)
			}
		})
	case "socks5":
		var auth *xproxy.Auth
		if upstream.User != nil {
			pass, _ := upstream.User.Password()
			auth = &xproxy.Auth{User: upstream.User.Username(), Password: pass}
		}
		dialer, err := xproxy.SOCKS5("tcp", upstream.Host, auth, &net.Dialer{Timeout: 15 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("building socks5 dialer: %w", err)
		}
		gp.Tr = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
		gp.ConnectDial = dialer.Dial
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", upstream.Scheme)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening for forwarder: %w", err)
	}

	f := &Forwarder{
		listener: ln,
		server:   &http.Server{Handler: gp, ReadHeaderTimeout: 30 * time.Second},
		logger:   logger.With(zap.String("upstream", upstream.Host)),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("Proxy forwarder stopped", zap.Error(err))
		}
	}()
	f.logger.Debug("Proxy forwarder listening", zap.String("addr", ln.Addr().String()))
	return f, nil
}

// URL is what the browser should use as its proxy server.
func (f *Forwarder) URL() string {
	return "http://" + f.listener.Addr().String()
}

// Close stops the forwarder and waits for it to exit.
func (f *Forwarder) Close(ctx context.Context) error {
	err := f.server.Shutdown(ctx)
	if err != nil {
		_ = f.server.Close()
	}
	<-f.done
	return err
}

func proxyAuthorization(user *url.Userinfo) string {
	if user == nil {
		return ""
	}
	pass, _ := user.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user.Username()+":"+pass))
}
