package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"scentchat/internal/redis"
	"scentchat/internal/service/assistant"
	"scentchat/internal/storage"
)

const doneMarker = "[DONE]"

// Handler wires HTTP routes to the assistant service.
type Handler struct {
	assistant *assistant.Service
	cache     *redis.Client
}

// NewHandler constructs a Handler. cache may be nil when redis is disabled.
func NewHandler(service *assistant.Service, cache *redis.Client) *Handler {
	return &Handler{assistant: service, cache: cache}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/chat/start", h.startChat)
	api.POST("/chat/message", h.chatMessage)
	api.POST("/chat/image", h.chatImage)
	api.GET("/chat/history/:session_id", h.chatHistory)
	api.DELETE("/chat/sessions/:session_id", h.deleteSession)
	api.GET("/profile/:owner_id", h.getProfile)
}

func (h *Handler) health(c *gin.Context) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.cache.Ping(ctx); err != nil {
			log.Printf("health: redis ping: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type startRequest struct {
	OwnerID  string `json:"owner_id"`
	ForceNew bool   `json:"force_new"`
}

func (h *Handler) startChat(c *gin.Context) {
	var req startRequest
	// an empty body starts an anonymous session
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.assistant.StartOrResume(c.Request.Context(), req.OwnerID, req.ForceNew)
	if err != nil {
		h.writeError(c, "start chat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    h.assistant.Greeting(),
		"session_id": session.ID,
		"messages":   session.Messages,
	})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (h *Handler) chatMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// headers go out with the first fragment so failures before it stay JSON
	started := false
	sendEvent := func(data string) error {
		if !started {
			started = true
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		if err := writeData(c.Writer, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.assistant.Chat(c.Request.Context(), req.SessionID, req.Message, sendEvent)
	switch {
	case errors.Is(err, assistant.ErrClientGone):
		return
	case err != nil && !started:
		h.writeError(c, "chat message", err)
		return
	case err != nil:
		log.Printf("chat message %s: %v", req.SessionID, err)
	}
	_ = sendEvent(doneMarker)
}

// writeData frames one SSE event, one data line per line of text.
func writeData(w gin.ResponseWriter, data string) error {
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", strings.TrimSuffix(line, "\r")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

type imageRequest struct {
	SessionID string `json:"session_id"`
	ImageData string `json:"image_data"`
	MimeType  string `json:"mime_type"`
	Message   string `json:"message"`
}

func (h *Handler) chatImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	image, mimeType, err := decodeImage(req.ImageData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MimeType != "" {
		mimeType = req.MimeType
	}

	reply, err := h.assistant.ChatImage(c.Request.Context(), req.SessionID, req.Message, image, mimeType)
	if err != nil {
		h.writeError(c, "chat image", err)
		return
	}
	body := gin.H{
		"message":    reply.Content,
		"session_id": req.SessionID,
		"analysis":   nil,
	}
	if reply.Analysis != nil {
		body["analysis"] = reply.Analysis
	}
	c.JSON(http.StatusOK, body)
}

// decodeImage accepts raw base64 or a data URL and returns the bytes plus
// any mime type the data URL carried.
func decodeImage(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", assistant.ErrEmptyImage
	}
	var mimeType string
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data url")
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		raw = payload
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("image_data is not valid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", assistant.ErrEmptyImage
	}
	return data, mimeType, nil
}

func (h *Handler) chatHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, err := h.assistant.History(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, "chat history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"messages":   session.Messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.assistant.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		h.writeError(c, "delete session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getProfile(c *gin.Context) {
	profile, err := h.assistant.Profile(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		h.writeError(c, "get profile", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// writeError maps service errors onto status codes. Unknown failures are
// logged and reported without detail.
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, assistant.ErrEmptyMessage), errors.Is(err, assistant.ErrEmptyImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrVisionMissing):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
