package server

import (
	"context"
	"time"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runVisitorCleanup(ctx)
	go s.runStatusReport(ctx)
}

// --- Visitor Cleanup Worker ---

// runVisitorCleanup drops idle per-IP limiters (every minute).
func (s *Server) runVisitorCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			if n := s.connects.cleanup(); n > 0 {
				logger.Debugf("[worker] dropped %d idle rate limiters", n)
			}
		}
	}
}

// --- Status Report Worker ---

// runStatusReport logs peer and value counts (every 5 minutes).
func (s *Server) runStatusReport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Minute):
			s.reportStatus()
		}
	}
}

func (s *Server) reportStatus() {
	stored := -1
	if s.store != nil {
		if ids, err := s.store.Backend().IDs(); err == nil {
			stored = len(ids)
		} else {
			logger.Warningf("[worker] count stored covalues: %v", err)
		}
	}
	logger.Infof("[worker] peers=%d loaded=%d stored=%d",
		len(s.node.Peers()), len(s.node.IDs()), stored)
}
