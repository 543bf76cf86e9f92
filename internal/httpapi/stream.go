package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleAdminStream pushes integration log entries to an admin over a
// websocket. Browsers cannot set headers on the upgrade request, so the
// token may also come in the access_token query parameter.
func (s *Server) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scopeSyncRead)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.svc.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "integration log disabled", correlationID)
		return
	}
	filter, err := logFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	entries, unsubscribe := s.svc.Log.Subscribe(streamBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	logger := s.logger.WithFields(logrus.Fields{"subject": claims.Subject, "stream": "log"})
	logger.Info("admin stream opened")

	// The admin never sends anything; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("admin stream closed")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !filter.Matches(entry) {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, entry)
			cancel()
			if err != nil {
				logger.WithError(err).Debug("admin stream write failed")
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
