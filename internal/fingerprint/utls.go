// Package fingerprint builds HTTP transports whose TLS ClientHello mimics a
// real browser.
package fingerprint

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// Profile represents a recognized TLS fingerprint profile.
type Profile string

// Profiles.
const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard crypto/tls
	ProfileRandom  Profile = "random" // randomized uTLS hello without ALPN
)

// ParseProfile validates a configured profile name.
func ParseProfile(raw string) (Profile, error) {
	switch p := Profile(raw); p {
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom:
		return p, nil
	default:
		return "", fmt.Errorf("unknown tls profile %q", raw)
	}
}

// ErrUnsupportedProxy is returned for proxy schemes other than http, https,
// socks5 and socks5h.
var ErrUnsupportedProxy = errors.New("unsupported proxy scheme")

func supportedProxyScheme(scheme string) bool {
	switch scheme {
	case "", "http", "https", "socks5", "socks5h":
		return true
	default:
		return false
	}
}

// Options configures Transport.
type Options struct {
	Profile Profile
	// Proxy is dialed for every connection; HTTPS targets are tunneled with
	// CONNECT so the emulated handshake reaches the origin.
	Proxy *url.URL
	// RootCAs overrides the system roots.
	RootCAs     *x509.CertPool
	DialTimeout time.Duration
}

// Transport returns an http.RoundTripper speaking HTTP/1.1 over a uTLS
// connection for the configured profile. ProfileGo returns a plain clone of
// http.DefaultTransport.
func Transport(opts Options) (*http.Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Proxy != nil && !supportedProxyScheme(opts.Proxy.Scheme) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, opts.Proxy.Scheme)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	transport.DialContext = dialer.DialContext

	if opts.Profile == ProfileGo {
		if opts.Proxy != nil {
			transport.Proxy = http.ProxyURL(opts.Proxy)
		}
		if opts.RootCAs != nil {
			transport.TLSClientConfig = &tls.Config{RootCAs: opts.RootCAs, MinVersion: tls.VersionTLS12}
		}
		return transport, nil
	}

	id, pinALPN, err := helloID(opts.Profile)
	if err != nil {
		return nil, err
	}
	// net/http only negotiates h2 on *tls.Conn; anything else must stay on HTTP/1.1.
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	transport.Proxy = nil
	if opts.Proxy != nil {
		proxyURL := opts.Proxy
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" {
				return nil, nil
			}
			return proxyURL, nil
		}
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		rawConn, err := dialThrough(ctx, dialer, opts.Proxy, opts.RootCAs, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		uConn, err := handshake(ctx, rawConn, &utls.Config{ServerName: host, RootCAs: opts.RootCAs}, id, pinALPN)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return uConn, nil
	}
	return transport, nil
}

func helloID(p Profile) (utls.ClientHelloID, bool, error) {
	switch p {
	case ProfileChrome:
		return utls.HelloChrome_Auto, true, nil
	case ProfileFirefox:
		return utls.HelloFirefox_Auto, true, nil
	case ProfileSafari:
		return utls.HelloSafari_Auto, true, nil
	case ProfileRandom:
		return utls.HelloRandomizedNoALPN, false, nil
	default:
		return utls.ClientHelloID{}, false, fmt.Errorf("unknown tls profile %q", p)
	}
}

// handshake runs the uTLS handshake. Browser presets advertise h2 first; the
// ALPN extension is rewritten to http/1.1 so the server never picks a
// protocol the transport cannot speak.
func handshake(ctx context.Context, conn net.Conn, cfg *utls.Config, id utls.ClientHelloID, pinALPN bool) (*utls.UConn, error) {
	if !pinALPN {
		uConn := utls.UClient(conn, cfg, id)
		if err := uConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("utls handshake failed: %w", err)
		}
		return uConn, nil
	}
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return nil, fmt.Errorf("load client hello %s: %w", id.Str(), err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uConn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("apply client hello %s: %w", id.Str(), err)
	}
	if err := uConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("utls handshake failed: %w", err)
	}
	return uConn, nil
}

// dialThrough opens a TCP connection to addr, through the proxy when one is
// configured: SOCKS5 proxies via x/net/proxy, HTTP(S) proxies with CONNECT.
func dialThrough(ctx context.Context, dialer *net.Dialer, proxyURL *url.URL, roots *x509.CertPool, network, addr string) (net.Conn, error) {
	if proxyURL == nil {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		return dialSOCKS(ctx, dialer, proxyURL, network, addr)
	case "", "http", "https":
		return dialConnect(ctx, dialer, proxyURL, roots, network, addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, proxyURL.Scheme)
	}
}

func dialSOCKS(ctx context.Context, dialer *net.Dialer, proxyURL *url.URL, network, addr string) (net.Conn, error) {
	d, err := proxy.FromURL(proxyURL, dialer)
	if err != nil {
		return nil, fmt.Errorf("socks proxy: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks proxy %s does not support contexts", proxyURL.Host)
	}
	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("socks dial %s via %s: %w", addr, proxyURL.Host, err)
	}
	return conn, nil
}

func dialConnect(ctx context.Context, dialer *net.Dialer, proxyURL *url.URL, roots *x509.CertPool, network, addr string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		port := "80"
		if proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), port)
	}
	conn, err := dialer.DialContext(ctx, network, proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}
	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname(), RootCAs: roots, MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("proxy tls handshake: %w", err)
		}
		conn = tlsConn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if user := proxyURL.User; user != nil {
		password, _ := user.Password()
		token := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write connect: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect to %s: %s", addr, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
