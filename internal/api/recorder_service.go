package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/media"
)

// RecorderService drives the voice note recorder. One capture at a time;
// the finished asset path is handed back for the client to send as an
// audio message.
type RecorderService struct {
	recorder *media.Recorder
}

// NewRecorderService creates the recorder handlers.
func NewRecorderService(recorder *media.Recorder) *RecorderService {
	return &RecorderService{recorder: recorder}
}

func (s *RecorderService) register(r gin.IRoutes) {
	r.GET("/recorder", s.state)
	r.POST("/recorder/start", s.start)
	r.POST("/recorder/pause", s.pause)
	r.POST("/recorder/resume", s.resume)
	r.POST("/recorder/stop", s.stop)
}

func (s *RecorderService) state(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":        string(s.recorder.State()),
		"elapsed_secs": s.recorder.Elapsed().Seconds(),
	})
}

func (s *RecorderService) start(c *gin.Context) {
	if err := s.recorder.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *RecorderService) pause(c *gin.Context) {
	if err := s.recorder.Pause(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *RecorderService) resume(c *gin.Context) {
	if err := s.recorder.Resume(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type stopRequest struct {
	Discard bool `json:"discard"`
}

func (s *RecorderService) stop(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	asset, err := s.recorder.Stop(req.Discard)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if asset == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":          asset.Path,
		"duration_secs": asset.Duration,
	})
}
