package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enrybds/sayless/internal/service"
)

const wsWriteTimeout = 5 * time.Second

// handleJobSocket streams job snapshots until the job ends or the client
// goes away. The last message always carries the terminal status.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.GetJob(r.PathValue("id"))
	if job == nil {
		writeError(w, http.StatusNotFound, service.ErrJobNotFound.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", job.ID, "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	// The reader only watches for the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.wsInterval)
	defer ticker.Stop()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(job.Snapshot()); err != nil {
			s.logger.Debug("websocket write failed", "job_id", job.ID, "error", err)
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-job.Done():
			if send() {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			}
			return
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
