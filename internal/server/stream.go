package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/chanarr/internal/relay"
	"github.com/jmylchreest/chanarr/internal/repository"
	"github.com/jmylchreest/chanarr/internal/session"
	"github.com/jmylchreest/chanarr/internal/throttle"
)

// handleStream serves the continuous MPEG-TS stream for a channel.
// Closing the TCP connection is the canonical end-of-session signal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return
	}

	channel, err := s.channels.GetByNumber(r.Context(), number)
	if errors.Is(err, repository.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("channel lookup failed", slog.Int("number", number), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	clientID := r.RemoteAddr
	if ua := r.UserAgent(); ua != "" {
		clientID += " " + ua
	}

	sess, err := s.sessions.Create(channel.ID.String(), channel.Number, clientID)
	if errors.Is(err, session.ErrCapacity) {
		http.Error(w, "channel at capacity", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer s.sessions.End(sess.ID, "disconnect")

	// The supervisor outlives this request; subscribe against the daemon
	// context held by the relay manager, not the request context.
	sub, err := s.relay.Subscribe(context.WithoutCancel(r.Context()), *channel, int(s.cfg.Throttle.MaxBuffer))
	if err != nil {
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.relay.Unsubscribe(channel.ID.String(), sub.ID)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	s.sessions.Activate(sess.ID)
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		defer s.metrics.SessionsActive.Dec()
	}

	s.serveSubscriber(r.Context(), w, flusher, sub, sess.ID)
}

// serveSubscriber is the per-client worker: it pulls fan-out chunks,
// paces them through the throttle, and writes to the socket, emitting
// null-packet keepalives while the source stalls.
func (s *Server) serveSubscriber(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *relay.Subscriber, sessionID string) {
	thr := throttle.New(s.cfg.Throttle)

	keepalive := s.cfg.Throttle.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 5 * time.Second
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepalive)
		chunk, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			n, werr := thr.Write(ctx, w, chunk)
			if n > 0 {
				s.sessions.RecordData(sessionID, n)
				if s.metrics != nil {
					s.metrics.BytesDelivered.Add(float64(n))
				}
			}
			if werr != nil {
				if ctx.Err() == nil {
					s.sessions.RecordError(sessionID, session.ErrClientDisconnect, werr.Error())
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Source stalled; keep the client decoder alive.
			if n, werr := thr.Keepalive(w); werr != nil {
				return
			} else if n > 0 {
				if flusher != nil {
					flusher.Flush()
				}
				if s.metrics != nil {
					s.metrics.KeepalivesSent.Add(1)
				}
			}

		case errors.Is(err, relay.ErrBroadcastClosed):
			return

		default:
			// Client context cancelled.
			return
		}
	}
}
