package api

import "github.com/gin-gonic/gin"

// NewRouter assembles the daemon's HTTP surface under /v1.
func NewRouter(
	sessionSvc *SessionService,
	conversationSvc *ConversationService,
	messageSvc *MessageService,
	recorderSvc *RecorderService,
	eventSvc *EventService,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	sessionSvc.register(v1)
	conversationSvc.register(v1)
	messageSvc.register(v1)
	recorderSvc.register(v1)
	eventSvc.register(v1)
	return r
}
