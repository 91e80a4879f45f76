package gateway

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"procodus.dev/chipline-gateway/internal/ingest"
)

const readBufferSize = 4096

// session is the receive loop of one device connection.
type session struct {
	gw       *Gateway
	endpoint DeviceEndpoint
	conn     net.Conn
	number   uint64
	framer   Framer
	logger   *slog.Logger
}

func (s *session) run() {
	g := s.gw
	defer g.wg.Done()
	defer g.sessionEnded(s)
	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	id := s.endpoint.ID
	buf := make([]byte, readBufferSize)

	for {
		if !g.registry.IsCurrent(id, s.number) {
			s.finish(ReasonDisconnected, "requested")
			return
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(g.pollInterval)); err != nil {
			s.end(err.Error(), "error")
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.handle(buf[:n])
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}

		if errors.Is(err, io.EOF) {
			s.end(ReasonClosedByRemote, "remote")
		} else {
			s.end(err.Error(), "error")
		}
		return
	}
}

// end marks the session disconnected and emits reason. If Disconnect won the
// race the requested-disconnect reason is emitted instead, so every session
// emits exactly one event.
func (s *session) end(reason, cause string) {
	if !s.gw.registry.endSession(s.endpoint.ID, s.number) {
		s.finish(ReasonDisconnected, "requested")
		return
	}
	s.finish(reason, cause)
}

func (s *session) finish(reason, cause string) {
	g := s.gw
	s.flush()
	s.logger.Info("session ended", "session", s.number, "reason", reason)
	if g.metrics != nil {
		g.metrics.DisconnectsTotal.WithLabelValues(deviceLabel(s.endpoint.ID), cause).Inc()
	}
	g.events.Disconnected(DisconnectEvent{DeviceID: s.endpoint.ID, Reason: reason})
}

// handle frames a received chunk and queues every valid frame.
func (s *session) handle(chunk []byte) {
	frames, err := s.framer.Feed(chunk)
	if err != nil {
		s.logger.Warn("discarded oversized input", "error", err)
		s.observeFrame("oversized")
	}

	for _, frame := range frames {
		s.dispatch(frame)
	}
}

// dispatch emits one frame as telemetry and queues it for the writer.
func (s *session) dispatch(frame []byte) {
	g := s.gw

	if !utf8.Valid(frame) {
		s.logger.Warn("dropping frame with invalid UTF-8", "hex", hex.EncodeToString(frame))
		s.observeFrame("invalid_utf8")
		return
	}

	ts := g.now().Truncate(time.Second)
	msg := string(frame)

	g.events.Telemetry(TelemetryEvent{
		DeviceID:  s.endpoint.ID,
		Message:   msg,
		Timestamp: ts,
	})

	err := g.queue.Enqueue(ingest.WriteRequest{
		DeviceID:      s.endpoint.ID,
		TableIdentity: s.endpoint.TableIdentity,
		Timestamp:     ts,
		RawPayload:    msg,
	})
	if err != nil {
		s.logger.Warn("dropping frame", "error", err)
		s.observeFrame("dropped")
		if g.metrics != nil {
			g.metrics.QueueDropped.Inc()
		}
		return
	}

	s.observeFrame("queued")
	if g.metrics != nil {
		g.metrics.QueueDepth.Set(float64(g.queue.Len()))
	}
}

// flush logs whatever the framer still holds when the session ends.
func (s *session) flush() {
	rest := s.framer.Flush()
	if len(rest) == 0 {
		return
	}
	s.logger.Warn("discarding incomplete frame", "hex", hex.EncodeToString(rest))
	s.observeFrame("incomplete")
}

func (s *session) observeFrame(result string) {
	if s.gw.metrics != nil {
		s.gw.metrics.FramesTotal.WithLabelValues(deviceLabel(s.endpoint.ID), result).Inc()
	}
}
