package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// startFakeSOCKS runs a minimal no-auth SOCKS5 server that relays CONNECT
// requests to the real target. Connections to .onion hosts are refused with
// "host unreachable".
func startFakeSOCKS(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSOCKS(conn)
		}
	}()
	return listener.Addr().String()
}

func serveSOCKS(conn net.Conn) {
	defer conn.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, greeting[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	var host string
	switch head[3] {
	case 0x01:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 0x03:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return
		}
		host = string(name)
	default:
		return
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(portBytes)

	failure := []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if strings.HasSuffix(host, ".onion") {
		_, _ = conn.Write(failure)
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port)))) //nolint:noctx // test code
	if err != nil {
		_, _ = conn.Write(failure)
		return
	}
	defer target.Close()

	if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 0}); err != nil {
		return
	}
	go func() { _, _ = io.Copy(target, conn) }()
	_, _ = io.Copy(conn, target)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "ip and port", address: "127.0.0.1:9050"},
		{name: "hostname and port", address: "localhost:9050"},
		{name: "ipv6", address: "[::1]:9050"},
		{name: "empty", address: "", wantErr: true},
		{name: "no port", address: "127.0.0.1", wantErr: true},
		{name: "no host", address: ":9050", wantErr: true},
		{name: "port zero", address: "127.0.0.1:0", wantErr: true},
		{name: "port too large", address: "127.0.0.1:65536", wantErr: true},
		{name: "port not a number", address: "127.0.0.1:socks", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewClient(tt.address, 30*time.Second)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidProxyAddress) {
					t.Errorf("expected ErrInvalidProxyAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client.ProxyAddress() != tt.address {
				t.Errorf("ProxyAddress() = %q, want %q", client.ProxyAddress(), tt.address)
			}
		})
	}
}

func TestProxyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   ProxyStatus
		wantText string
		wantErr  error
	}{
		{status: ProxyStatusOK, wantText: "OK", wantErr: nil},
		{status: ProxyStatusWrongType, wantText: "wrong type (not SOCKS5)", wantErr: ErrProxyNotSOCKS},
		{status: ProxyStatusCannotConnect, wantText: "cannot connect", wantErr: ErrProxyCannotConnect},
		{status: ProxyStatusTimeout, wantText: "timeout", wantErr: ErrProxyTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.wantText, func(t *testing.T) {
			t.Parallel()

			if got := tt.status.String(); got != tt.wantText {
				t.Errorf("String() = %q, want %q", got, tt.wantText)
			}
			if err := tt.status.Err(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Err() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()

	t.Run("working SOCKS5 proxy", func(t *testing.T) {
		t.Parallel()

		client, err := NewClient(startFakeSOCKS(t), time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status := client.CheckConnection(context.Background()); status != ProxyStatusOK {
			t.Errorf("status = %v, want OK", status)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()

		listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		addr := listener.Addr().String()
		_ = listener.Close()

		client, err := NewClient(addr, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status := client.CheckConnection(context.Background()); status != ProxyStatusCannotConnect {
			t.Errorf("status = %v, want cannot connect", status)
		}
	})

	t.Run("HTTP server is wrong type", func(t *testing.T) {
		t.Parallel()

		listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		t.Cleanup(func() { _ = listener.Close() })
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = io.ReadFull(conn, make([]byte, 3))
			_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		}()

		client, err := NewClient(listener.Addr().String(), time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status := client.CheckConnection(context.Background()); status != ProxyStatusWrongType {
			t.Errorf("status = %v, want wrong type", status)
		}
	})

	t.Run("proxy requiring auth is wrong type", func(t *testing.T) {
		t.Parallel()

		listener, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		t.Cleanup(func() { _ = listener.Close() })
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = io.ReadFull(conn, make([]byte, 3))
			_, _ = conn.Write([]byte{0x05, 0xFF})
		}()

		client, err := NewClient(listener.Addr().String(), time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status := client.CheckConnection(context.Background()); status != ProxyStatusWrongType {
			t.Errorf("status = %v, want wrong type", status)
		}
	})
}

func TestGet(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/large":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.Header().Set("X-Exit", "test")
			_, _ = w.Write([]byte("hello through socks"))
		}
	}))
	t.Cleanup(server.Close)

	proxyAddr := startFakeSOCKS(t)

	t.Run("fetches through the proxy", func(t *testing.T) {
		t.Parallel()

		client, err := NewClient(proxyAddr, 5*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp, err := client.Get(context.Background(), server.URL+"/")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
		if string(resp.Body) != "hello through socks" {
			t.Errorf("body = %q", resp.Body)
		}
		if resp.Header.Get("X-Exit") != "test" {
			t.Errorf("header missing: %v", resp.Header)
		}
	})

	t.Run("rejects oversized bodies", func(t *testing.T) {
		t.Parallel()

		client, err := NewClient(proxyAddr, 5*time.Second, WithMaxBodySize(16))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := client.Get(context.Background(), server.URL+"/large"); !errors.Is(err, ErrBodyTooLarge) {
			t.Errorf("expected ErrBodyTooLarge, got %v", err)
		}
	})

	t.Run("unreachable host fails", func(t *testing.T) {
		t.Parallel()

		client, err := NewClient(proxyAddr, 5*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := client.Get(context.Background(), "http://"+socks5ProbeOnion+"/"); err == nil {
			t.Error("expected error for unreachable onion host")
		}
	})
}

func TestHTTPClient(t *testing.T) {
	t.Parallel()

	client, err := NewClient("127.0.0.1:9050", 42*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hc := client.HTTPClient()
	if hc.Timeout != 42*time.Second {
		t.Errorf("Timeout = %v", hc.Timeout)
	}
	transport, ok := hc.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", hc.Transport)
	}
	if !transport.DisableCompression {
		t.Error("compression should be disabled")
	}
}
