package server

import (
	"net/http"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/ratelimit"
	"github.com/ssd-technologies/covalue/internal/transport"
)

// handleSync upgrades to a websocket and attaches it as a client peer.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ip := getIP(r)
	if !s.connects.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many sync connections")
		return
	}
	conn, err := transport.Accept(w, r)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Debugf("sync from %s: %v", ip, err)
		return
	}
	id := s.Accept(conn)
	logger.Infof("sync peer %s from %s", id, ip)
}

// Accept attaches conn as a client peer, reading from it at most SyncRate
// messages per SyncWindow. It serves gRPC streams as well as websockets.
func (s *Server) Accept(conn transport.Conn) string {
	limited := ratelimit.Conn(conn, ratelimit.New(s.opts.SyncRate, s.opts.SyncWindow))
	return s.node.AddPeer("", cojson.PeerClient, limited)
}
