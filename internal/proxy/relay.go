package proxy

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/veilproxy/veilproxy/internal/config"
	"github.com/veilproxy/veilproxy/internal/metrics"
	"github.com/veilproxy/veilproxy/internal/tunnel"
)

// relay copies bytes bidirectionally between the client connection and
// the overlay stream. When one direction reaches EOF or errors, the write
// side of that direction's destination is half-closed (where the type
// supports CloseWrite); relay does not return until both directions have
// ended, and then closes both. It owns both conn and stream: once called,
// nothing else may touch them.
//
// client already has buffered CONNECT-preamble bytes sitting in reader
// (bufio.Reader wraps conn); reader, not conn, is the correct read side
// for the client->overlay direction so none of those buffered bytes are
// lost.
func relay(reader io.Reader, conn net.Conn, stream tunnel.Stream, buffers config.BufferConfig, logger *slog.Logger, rec *metrics.Recorder) {
	defer conn.Close()
	defer stream.Close()

	rec.RelayStarted()
	defer rec.RelayFinished()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// incoming_buf per spec.md §3/§6: the proxy->overlay direction.
		n, err := io.CopyBuffer(stream, reader, make([]byte, buffers.IncomingBuf))
		rec.BytesRelayed("client_to_overlay", n)
		if err != nil {
			logger.Debug("relay client->overlay ended", "error", err, "bytes", n)
		}
		closeWrite(stream)
	}()

	go func() {
		defer wg.Done()
		// outgoing_buf per spec.md §3/§6: the overlay->proxy direction.
		n, err := io.CopyBuffer(conn, stream, make([]byte, buffers.OutgoingBuf))
		rec.BytesRelayed("overlay_to_client", n)
		if err != nil {
			logger.Debug("relay overlay->client ended", "error", err, "bytes", n)
		}
		closeWrite(conn)
	}()

	wg.Wait()
}

// closeWriter is implemented by net.TCPConn and most stream types; calling
// CloseWrite lets the peer observe EOF on its read side without tearing
// down the whole socket before the opposite direction has finished
// draining.
type closeWriter interface {
	CloseWrite() error
}

func closeWrite(rw interface{ io.Closer }) {
	if cw, ok := rw.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
