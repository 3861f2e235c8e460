package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/netmon"
	"github.com/parleyhq/parley/internal/status"
)

// SessionService reports daemon identity and runtime state.
type SessionService struct {
	sessionName string
	selfID      string
	machine     *status.Machine
	monitor     *netmon.Monitor
}

// NewSessionService creates the session status handler.
func NewSessionService(sessionName, selfID string, machine *status.Machine, monitor *netmon.Monitor) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		selfID:      selfID,
		machine:     machine,
		monitor:     monitor,
	}
}

func (s *SessionService) register(r gin.IRoutes) {
	r.GET("/session", s.getStatus)
}

func (s *SessionService) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": s.sessionName,
		"user_id": s.selfID,
		"status":  string(s.machine.Current()),
		"online":  s.monitor.Online(),
	})
}
