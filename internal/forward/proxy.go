package forward

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// newTransport builds the transport for one provider's proxy setting. The
// scheme selects the agent: http/https proxy the request itself, socks4 and
// socks5 wrap the dial. An unparseable or unsupported proxy URL is a
// configuration error, never a silent direct connection.
func newTransport(proxyURL string) (*http.Transport, error) {
	base := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL == "" {
		return base, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", proxyURL)
	}

	switch u.Scheme {
	case "http", "https":
		base.Proxy = http.ProxyURL(u)
		return base, nil

	case "socks5":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return base, nil

	case "socks4":
		dialer := &socks4Dialer{proxyAddr: u.Host, userID: u.User.Username()}
		base.DialContext = dialer.DialContext
		return base, nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// socks4Dialer speaks the SOCKS4 CONNECT handshake. The protocol carries
// only IPv4 addresses, so the target host is resolved locally first.
type socks4Dialer struct {
	proxyAddr string
	userID    string
}

func (d *socks4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}
	port, err := net.LookupPort(network, portStr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}

	ip4, err := resolveIPv4(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("socks4: resolve %s: %w", host, err)
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks4: dial proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req, err := d.buildRequest(ip4.String(), port)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: handshake write: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: handshake read: %w", err)
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4: request rejected (code 0x%02x)", resp[1])
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// buildRequest encodes the SOCKS4 CONNECT packet:
// VN=4, CD=1, DSTPORT, DSTIP, USERID, NUL.
func (d *socks4Dialer) buildRequest(host string, port int) ([]byte, error) {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("socks4: %s is not an IPv4 address", host)
	}
	req := make([]byte, 0, 9+len(d.userID))
	req = append(req, 4, 1)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip.To4()...)
	req = append(req, d.userID...)
	req = append(req, 0)
	return req, nil
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %s", host)
	}
	return ips[0].To4(), nil
}

// clientPool caches one HTTP client per proxy configuration so connection
// pools are shared across requests and survive config reloads that do not
// change the proxy.
type clientPool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[string]*http.Client)}
}

func (p *clientPool) get(proxyURL string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[proxyURL]; ok {
		return c, nil
	}
	transport, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	// Per-attempt deadlines come from the request context; the client
	// itself never times out so streams can run long.
	c := &http.Client{Transport: transport}
	p.clients[proxyURL] = c
	return c, nil
}
