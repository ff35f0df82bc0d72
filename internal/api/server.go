// Package api exposes the daemon's local control surface: a JSON HTTP API
// plus a websocket event stream, served over the per-session unix socket.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/delivery"
	"github.com/lucamoreira/bluebird/internal/reconcile"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/status"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

// Server is the daemon's local API server.
type Server struct {
	db          *store.DB
	machine     *status.Machine
	coordinator *send.Coordinator
	delivery    *delivery.Service
	manager     *reconcile.Manager
	bus         *bus.Bus
	logger      *zap.Logger
	http        *http.Server
}

// NewServer creates the API server and wires its routes.
func NewServer(db *store.DB, machine *status.Machine, coordinator *send.Coordinator, deliverySvc *delivery.Service, manager *reconcile.Manager, b *bus.Bus, logger *zap.Logger) *Server {
	s := &Server{
		db:          db,
		machine:     machine,
		coordinator: coordinator,
		delivery:    deliverySvc,
		manager:     manager,
		bus:         b,
		logger:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/chats", s.listChats)
		v1.GET("/chats/:guid/messages", s.listMessages)
		v1.POST("/chats/:guid/messages", s.queueMessage)
		v1.POST("/chats/:guid/read", s.markRead)
		v1.POST("/chats/:guid/typing", s.setTyping)
		v1.POST("/messages/:id/retry", s.retryMessage)
		v1.POST("/messages/:id/retry-sms", s.retryAsSms)
		v1.POST("/messages/:id/forward", s.forwardMessage)
		v1.DELETE("/messages/:id", s.deleteMessage)
		v1.POST("/messages/:id/reactions", s.sendReaction)
		v1.DELETE("/messages/:id/reactions", s.removeReaction)
		v1.GET("/search", s.search)
		v1.POST("/resume", s.resume)
		v1.GET("/events", s.streamEvents)
	}

	s.http = &http.Server{Handler: r}
	return s
}

// Handler exposes the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve accepts connections on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.machine.Current()})
}

func (s *Server) listChats(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	chats, err := s.db.ListChats(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chatsJSON(chats)})
}

func (s *Server) listMessages(c *gin.Context) {
	guid := c.Param("guid")

	session, err := s.manager.Open(guid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	select {
	case <-session.InitialLoadDone():
	case <-c.Request.Context().Done():
		return
	}

	// An explicit "before" bound pages older history; otherwise the live
	// reconciled window is returned.
	if before := intQuery(c, "before", 0); before > 0 {
		page, err := session.HistoryBefore(c.Request.Context(), int64(before), intQuery(c, "limit", 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messagesJSON(page)})
		return
	}

	msgs, total := session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"messages": messagesJSON(msgs),
		"total":    total,
	})
}

type queueMessageRequest struct {
	Text        string            `json:"text"`
	Mode        string            `json:"mode"`
	EffectID    string            `json:"effect_id"`
	ReplyToID   string            `json:"reply_to_id"`
	Attachments []attachmentInput `json:"attachments"`
}

type attachmentInput struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	TotalBytes int64  `json:"total_bytes"`
	Path       string `json:"path"`
}

func (s *Server) queueMessage(c *gin.Context) {
	var req queueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	atts := make([]send.AttachmentInput, len(req.Attachments))
	for i, a := range req.Attachments {
		atts[i] = send.AttachmentInput{Filename: a.Filename, MimeType: a.MimeType, TotalBytes: a.TotalBytes, Path: a.Path}
	}

	desc, err := s.coordinator.QueueMessage(send.Request{
		ChatGUID:    c.Param("guid"),
		Text:        req.Text,
		Attachments: atts,
		Mode:        send.Mode(req.Mode),
		EffectID:    req.EffectID,
		ReplyToID:   req.ReplyToID,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, send.ErrEmptyMessage) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	s.delivery.Kick()

	resp := gin.H{
		"temp_id":         desc.TempID,
		"created_at":      desc.CreatedAt,
		"has_attachments": desc.HasAttachments,
		"channel":         desc.Channel,
	}
	if desc.Text != nil {
		resp["text"] = *desc.Text
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) markRead(c *gin.Context) {
	if err := s.db.MarkChatRead(c.Param("guid")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type typingRequest struct {
	Started bool `json:"started"`
}

func (s *Server) setTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	guid := c.Param("guid")
	var err error
	if req.Started {
		err = s.delivery.SendStartedTyping(c.Request.Context(), guid)
	} else {
		err = s.delivery.SendStoppedTyping(c.Request.Context(), guid)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryMessage(c *gin.Context) {
	if err := s.delivery.RetryMessage(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) retryAsSms(c *gin.Context) {
	if err := s.delivery.RetryAsSms(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

type forwardRequest struct {
	SrcChatGUID string `json:"src_chat_guid"`
	DstChatGUID string `json:"dst_chat_guid"`
}

func (s *Server) forwardMessage(c *gin.Context) {
	var req forwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desc, err := s.delivery.ForwardMessage(req.SrcChatGUID, c.Param("id"), req.DstChatGUID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.delivery.Kick()
	c.JSON(http.StatusAccepted, gin.H{"temp_id": desc.TempID})
}

// deleteMessage cancels a queued send or removes a failed one, depending on
// where the entry is in its lifecycle.
func (s *Server) deleteMessage(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := s.delivery.CancelMessage(id)
	if err == nil && cancelled {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.delivery.DeleteFailedMessage(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type reactionRequest struct {
	ChatGUID string `json:"chat_guid"`
	Kind     string `json:"kind"`
}

func (s *Server) sendReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.delivery.SendReaction(c.Request.Context(), req.ChatGUID, c.Param("id"), req.Kind); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.delivery.RemoveReaction(c.Request.Context(), req.ChatGUID, c.Param("id"), req.Kind); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}
	results, err := s.db.SearchMessages(q, c.Query("chat"), intQuery(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, len(results))
	for i, r := range results {
		out[i] = gin.H{
			"message": messageJSON(r.Message),
			"snippet": r.Snippet,
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// resume triggers the foreground catch-up fetch for every open session.
func (s *Server) resume(c *gin.Context) {
	s.manager.ResumeAll()
	c.Status(http.StatusAccepted)
}

func intQuery(c *gin.Context, name string, def int) int {
	if raw := c.Query(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func chatsJSON(chats []store.Chat) []gin.H {
	out := make([]gin.H, len(chats))
	for i, ch := range chats {
		out[i] = gin.H{
			"guid":                 ch.GUID,
			"display_name":         ch.DisplayName,
			"service":              ch.Service,
			"unread_count":         ch.UnreadCount,
			"last_message_at":      ch.LastMessageAt,
			"last_message_preview": ch.LastMessagePreview,
		}
	}
	return out
}

func messagesJSON(msgs []store.Message) []gin.H {
	out := make([]gin.H, len(msgs))
	for i, m := range msgs {
		out[i] = messageJSON(m)
	}
	return out
}

func messageJSON(m store.Message) gin.H {
	return gin.H{
		"chat_guid":        m.ChatGUID,
		"msg_id":           m.MsgID,
		"sender":           m.Sender,
		"from_me":          m.FromMe,
		"text":             m.Text,
		"created_at":       m.CreatedAt,
		"delivered_at":     m.DeliveredAt,
		"read_at":          m.ReadAt,
		"status":           m.Status,
		"error_code":       m.ErrorCode,
		"effect_id":        m.EffectID,
		"source":           m.Source,
		"reply_to_id":      m.ReplyToID,
		"attachment_count": m.AttachmentCount,
	}
}
