package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/sync"
)

// MessageService handles sends, edits, deletes, receipts and typing for
// open conversations.
type MessageService struct {
	manager *sync.Manager
}

// NewMessageService creates the message handlers.
func NewMessageService(manager *sync.Manager) *MessageService {
	return &MessageService{manager: manager}
}

func (s *MessageService) register(r gin.IRoutes) {
	r.POST("/conversations/:id/messages", s.send)
	r.PATCH("/conversations/:id/messages/:token", s.edit)
	r.DELETE("/conversations/:id/messages/:token", s.remove)
	r.POST("/conversations/:id/focus", s.focus)
	r.POST("/conversations/:id/visible", s.visible)
	r.POST("/conversations/:id/draft", s.draft)
}

func (s *MessageService) session(c *gin.Context) *sync.Session {
	sess := s.manager.Get(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not open"})
		return nil
	}
	return sess
}

type sendRequest struct {
	Kind         string     `json:"kind"`
	Body         string     `json:"body"`
	MediaURIs    []string   `json:"media_uris"`
	DurationSecs float64    `json:"duration_secs"`
	Reply        *replyView `json:"reply"`
}

func (s *MessageService) send(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var reply *store.ReplyRef
	if req.Reply != nil {
		reply = &store.ReplyRef{
			MsgID:    req.Reply.MsgID,
			Kind:     req.Reply.Kind,
			Preview:  req.Reply.Preview,
			SenderID: req.Reply.SenderID,
		}
	}

	var (
		m   *store.Message
		err error
	)
	if len(req.MediaURIs) > 0 {
		kind := req.Kind
		if kind == "" {
			kind = store.KindImage
		}
		m, err = sess.Engine.SendMedia(c.Request.Context(), req.MediaURIs, req.Body, kind, req.DurationSecs, reply)
	} else {
		m, err = sess.Engine.SendText(c.Request.Context(), req.Body, reply)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess.Presence.Sent()
	c.JSON(http.StatusAccepted, gin.H{"message": toMessageView(m)})
}

type editRequest struct {
	Body string `json:"body" binding:"required"`
}

func (s *MessageService) edit(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.Engine.EditMessage(c.Request.Context(), c.Param("token"), req.Body); err != nil {
		c.JSON(mutationStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *MessageService) remove(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	if err := sess.Engine.DeleteMessage(c.Request.Context(), c.Param("token")); err != nil {
		c.JSON(mutationStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func mutationStatus(err error) int {
	switch {
	case errors.Is(err, sync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, sync.ErrNotSynced):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type focusRequest struct {
	Focused bool `json:"focused"`
}

func (s *MessageService) focus(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	var req focusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.Receipts.SetFocused(c.Request.Context(), req.Focused); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type visibleRequest struct {
	Tokens []string `json:"tokens" binding:"required"`
}

func (s *MessageService) visible(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	var req visibleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.Receipts.MarkVisible(c.Request.Context(), req.Tokens); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type draftRequest struct {
	Draft string `json:"draft"`
}

func (s *MessageService) draft(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess.Presence.SetDraft(req.Draft)
	c.Status(http.StatusNoContent)
}
