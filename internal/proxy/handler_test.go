package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/veilproxy/veilproxy/internal/config"
	"github.com/veilproxy/veilproxy/internal/tunnel"
)

type fakeOverlayClient struct {
	failConnect bool
}

func (f *fakeOverlayClient) NewIsolatedClient(key string) (tunnel.IsolatedClient, error) {
	return &fakeIsolatedClient{fail: f.failConnect}, nil
}

type fakeIsolatedClient struct {
	fail bool
}

func (f *fakeIsolatedClient) Connect(ctx context.Context, addr string) (tunnel.Stream, error) {
	if f.fail {
		return nil, errors.New("no route to upstream")
	}
	server, client := net.Pipe()
	go func() {
		// Echo whatever the relay sends so the round-trip test below can
		// observe its own bytes coming back.
		_, _ = io.Copy(server, server)
	}()
	return client, nil
}

func (f *fakeIsolatedClient) CircuitPath() ([]string, error) { return []string{"relay1"}, nil }

type fakeBootstrapper struct {
	overlay tunnel.OverlayClient
}

func (b *fakeBootstrapper) Bootstrap(ctx context.Context, circuits int) (tunnel.OverlayClient, error) {
	return b.overlay, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, failConnect bool) *tunnel.Client {
	t.Helper()
	client, err := tunnel.Bootstrap(context.Background(), &fakeBootstrapper{overlay: &fakeOverlayClient{failConnect: failConnect}}, 1, 10, time.Hour, testLogger(), false)
	if err != nil {
		t.Fatalf("tunnel.Bootstrap() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testBuffers() config.BufferConfig {
	return config.BufferConfig{IncomingBuf: 256, OutgoingBuf: 256}
}

func serveOverPipe(t *testing.T, client *tunnel.Client) (serverSide net.Conn, clientSide net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	go serveConnection(context.Background(), a, client, testBuffers(), testLogger(), nil)
	return a, b
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	return line
}

func TestServeConnectionHappyPath(t *testing.T) {
	client := testClient(t, false)
	_, clientSide := serveOverPipe(t, client)
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := bufio.NewReader(clientSide)
	status := readLine(t, r)
	if status != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("status line = %q, want 200 OK", status)
	}
	blank := readLine(t, r)
	if blank != "\r\n" {
		t.Fatalf("terminator line = %q, want blank", blank)
	}

	// Response-before-relay: no bytes beyond the empty-body response exist
	// until the client writes something for the echoing fake stream to
	// bounce back.
	probe := []byte("hello-through-the-tunnel")
	if _, err := clientSide.Write(probe); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	echoed := make([]byte, len(probe))
	if _, err := io.ReadFull(r, echoed); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(echoed) != string(probe) {
		t.Errorf("echoed = %q, want %q", echoed, probe)
	}
}

func TestServeConnectionWrongMethod(t *testing.T) {
	client := testClient(t, false)
	_, clientSide := serveOverPipe(t, client)
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := bufio.NewReader(clientSide)
	status := readLine(t, r)
	if status != "HTTP/1.1 501 Not Implemented\r\n" {
		t.Fatalf("status line = %q, want 501", status)
	}

	body := drainBody(t, r)
	if body != "proxy only allows CONNECT request method" {
		t.Errorf("body = %q, want the unsupported-method message", body)
	}
}

func TestServeConnectionWrongPort(t *testing.T) {
	client := testClient(t, false)
	_, clientSide := serveOverPipe(t, client)
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("CONNECT example.com:80 HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := bufio.NewReader(clientSide)
	status := readLine(t, r)
	if status != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("status line = %q, want 400", status)
	}
	body := drainBody(t, r)
	if body != "proxy only accepts connections to port 443" {
		t.Errorf("body = %q, want the unsupported-port message", body)
	}
}

func TestServeConnectionMissingAuthority(t *testing.T) {
	client := testClient(t, false)
	_, clientSide := serveOverPipe(t, client)
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("CONNECT / HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := bufio.NewReader(clientSide)
	status := readLine(t, r)
	if status != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("status line = %q, want 400", status)
	}
	body := drainBody(t, r)
	if body != "invalid address" {
		t.Errorf("body = %q, want the invalid-address message", body)
	}
}

func TestServeConnectionUpstreamFailure(t *testing.T) {
	client := testClient(t, true)
	_, clientSide := serveOverPipe(t, client)
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r := bufio.NewReader(clientSide)
	status := readLine(t, r)
	if status != "HTTP/1.1 503 Service Unavailable\r\n" {
		t.Fatalf("status line = %q, want 503", status)
	}
	body := drainBody(t, r)
	if body != "failed to establish connection with upstream" {
		t.Errorf("body = %q, want the upstream-failure message", body)
	}

	if client.CacheSize() != 0 {
		t.Errorf("CacheSize() = %d after connect failure, want 0 (fail-evict)", client.CacheSize())
	}
}

// drainBody reads headers (discarding them, Content-Length isn't parsed
// by this minimal test helper) then reads whatever remains until EOF.
func drainBody(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	body, _ := io.ReadAll(r)
	return string(body)
}
