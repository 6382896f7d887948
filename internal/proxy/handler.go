package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/veilproxy/veilproxy/internal/config"
	"github.com/veilproxy/veilproxy/internal/metrics"
	"github.com/veilproxy/veilproxy/internal/tunnel"
)

// requestLine is the parsed first line of the one HTTP/1.1 request this
// proxy ever reads off a connection.
type requestLine struct {
	method string
	target string
	proto  string
}

// maxHeaderBytes bounds how much a single connection's CONNECT preamble
// may consume before the handler gives up and closes it; a well-behaved
// client's CONNECT request is a handful of lines.
const maxHeaderBytes = 64 * 1024

// serveConnection consumes exactly one CONNECT request off conn and
// either upgrades it into a relay or answers an error and closes it.
//
// The request line and headers are parsed by hand rather than via
// net/http: net/http's header reader canonicalizes header casing on the
// way in and on the way out, and this proxy is required to preserve
// incoming case and title-case what it writes itself (spec-equivalent
// to net/http's own MIME canonical form, which is why only the request
// line needs hand parsing - headers themselves are read but not
// semantically used beyond consuming them off the wire).
func serveConnection(ctx context.Context, conn net.Conn, client *tunnel.Client, buffers config.BufferConfig, logger *slog.Logger, rec *metrics.Recorder) {
	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	// The limit only guards the request-line/header phase; it is lifted
	// once the preamble has been read so post-upgrade reads are unbounded.
	limited := &io.LimitedReader{R: conn, N: maxHeaderBytes}
	reader := bufio.NewReader(limited)

	req, err := readRequestLine(reader)
	if err != nil {
		logger.Debug("malformed request line", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if err := discardHeaders(reader); err != nil {
		logger.Debug("malformed headers", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	limited.N = math.MaxInt64
	_ = conn.SetReadDeadline(time.Time{})

	if req.method != "CONNECT" {
		logger.Debug("rejecting request", "remote", conn.RemoteAddr(), "error", ErrUnsupportedMethod, "method", req.method)
		writeErrorResponse(conn, 501, "Not Implemented", "proxy only allows CONNECT request method")
		return
	}

	host, explicitPort, err := splitAuthority(req.target)
	if err != nil {
		logger.Debug("rejecting request", "remote", conn.RemoteAddr(), "error", err)
		writeErrorResponse(conn, 400, "Bad Request", "invalid address")
		return
	}
	if explicitPort != "" && explicitPort != "443" {
		logger.Debug("rejecting request", "remote", conn.RemoteAddr(), "error", ErrUnsupportedPort, "port", explicitPort)
		writeErrorResponse(conn, 400, "Bad Request", "proxy only accepts connections to port 443")
		return
	}

	stream, err := client.Connect(ctx, host)
	if err != nil {
		rec.TunnelConnect(false)
		logger.Warn("upstream connect failed", "host", host, "error", err)
		writeErrorResponse(conn, 503, "Service Unavailable", "failed to establish connection with upstream")
		return
	}
	rec.TunnelConnect(true)

	if err := writeOKResponse(conn); err != nil {
		_ = stream.Close()
		return
	}

	logger.Info("tunnel established", "remote", conn.RemoteAddr(), "host", host)

	// Ownership of conn now transfers to the relay goroutine.
	closeConn = false
	go relay(reader, conn, stream, buffers, logger, rec)
}

func readRequestLine(r *bufio.Reader) (requestLine, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return requestLine{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return requestLine{}, fmt.Errorf("proxy: malformed request line %q", line)
	}
	return requestLine{method: parts[0], target: parts[1], proto: parts[2]}, nil
}

// discardHeaders reads header lines verbatim (preserving whatever case
// the client sent, since they are never re-emitted) until the blank
// line terminating the request preamble.
func discardHeaders(r *bufio.Reader) error {
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// readCRLFLine reads one line and trims its trailing CRLF or LF.
func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitAuthority parses a CONNECT request-target of the form
// "host:port" or bare "host" (port implied). It rejects anything that
// is not an authority at all (e.g. a request path like "/").
func splitAuthority(target string) (host, port string, err error) {
	if target == "" {
		return "", "", fmt.Errorf("proxy: %w: empty authority", ErrInvalidAddress)
	}

	h, p, splitErr := net.SplitHostPort(target)
	if splitErr == nil {
		return h, p, nil
	}
	if strings.Contains(splitErr.Error(), "missing port") {
		if strings.ContainsAny(target, "/\\ \t") {
			return "", "", fmt.Errorf("proxy: %w: %q is not an authority", ErrInvalidAddress, target)
		}
		return target, "", nil
	}
	return "", "", fmt.Errorf("proxy: %w: %v", ErrInvalidAddress, splitErr)
}

// writeOKResponse sends the 200 response that precedes every relay.
// It carries no headers and no body: the connection is about to stop
// being HTTP entirely.
func writeOKResponse(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 200 OK\r\n\r\n")
	return err
}

// writeErrorResponse sends a titled status line, title-cased headers,
// and the exact plain-text body the wire protocol requires.
func writeErrorResponse(w io.Writer, code int, reason, body string) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", code, reason)
	fmt.Fprintf(&buf, "Content-Type: text/plain\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&buf, "Connection: close\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	_, _ = w.Write(buf.Bytes())
}

// requestReadTimeout bounds how long a handler will wait to read the CONNECT
// preamble from a slow or hostile client before giving up.
const requestReadTimeout = 10 * time.Second
