package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/sync"
	"github.com/parleyhq/parley/internal/thread"
)

// ConversationService serves the conversation list and the rendered view
// of a single thread.
type ConversationService struct {
	selfID   string
	db       *store.DB
	manager  *sync.Manager
	profiles *profile.Client
}

// NewConversationService creates the conversation handlers.
func NewConversationService(selfID string, db *store.DB, manager *sync.Manager, profiles *profile.Client) *ConversationService {
	return &ConversationService{selfID: selfID, db: db, manager: manager, profiles: profiles}
}

func (s *ConversationService) register(r gin.IRoutes) {
	r.GET("/conversations", s.list)
	r.POST("/conversations", s.open)
	r.GET("/conversations/:id/messages", s.messages)
	r.GET("/conversations/:id/sections", s.sections)
	r.GET("/users/:id/profile", s.peerProfile)
}

func (s *ConversationService) list(c *gin.Context) {
	convs, err := s.db.ListConversations(0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]conversationView, 0, len(convs))
	for i := range convs {
		views = append(views, toConversationView(&convs[i], s.selfID))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

type openRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// open starts (or returns) the live session for a peer. Opening is what
// attaches the stream and the receipt tracker; a conversation only
// listed is passive cache.
func (s *ConversationService) open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.manager.Open(c.Request.Context(), req.PeerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	conv, err := s.db.GetConversation(sess.Engine.ConversationID())
	if err != nil || conv == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation missing after open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": toConversationView(conv, s.selfID)})
}

func (s *ConversationService) session(c *gin.Context) *sync.Session {
	sess := s.manager.Get(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation not open"})
		return nil
	}
	return sess
}

func (s *ConversationService) messages(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	msgs := sess.Engine.Messages()
	views := make([]*messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, toMessageView(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (s *ConversationService) sections(c *gin.Context) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	sections := thread.Sections(sess.Engine.Messages(), s.selfID, time.Now())
	c.JSON(http.StatusOK, gin.H{"sections": toSectionViews(sections)})
}

func (s *ConversationService) peerProfile(c *gin.Context) {
	p, err := s.profiles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      p.UserID,
		"display_name": p.DisplayName,
		"avatar_url":   p.AvatarURL,
		"phone":        p.Phone,
		"online":       p.Online,
	})
}
