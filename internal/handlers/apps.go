package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/internal/storage"
	"aun-builder/internal/stream"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sseKeepAlive = 15 * time.Second

// CreateAppRequest is the body of POST /api/apps
type CreateAppRequest struct {
	InitialMessage string `json:"initialMessage"`
	TemplateID     string `json:"templateId"`
}

// RenameAppRequest is the body of PATCH /api/apps/:id
type RenameAppRequest struct {
	Name string `json:"name"`
}

// SendMessageRequest is the body of POST /api/apps/:id/messages
type SendMessageRequest struct {
	Text      string   `json:"text"`
	ImageURLs []string `json:"imageUrls"`
}

// CreateApp provisions a new app for the caller
// POST /api/apps
func (h *Handler) CreateApp(c *gin.Context) {
	var req CreateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
		return
	}

	user := h.currentUser(c)
	if user == nil {
		return
	}

	app, err := h.Apps.CreateApp(c.Request.Context(), user, req.InitialMessage, req.TemplateID)
	if err != nil {
		respondAppError(c, err, "Failed to create app")
		return
	}

	c.JSON(http.StatusCreated, StandardResponse{
		Success: true,
		Data:    app,
		Message: "App created successfully",
	})
}

// ListApps returns the caller's apps, newest first
// GET /api/apps
func (h *Handler) ListApps(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	list, err := h.Apps.ListUserApps(c.Request.Context(), user)
	if err != nil {
		respondAppError(c, err, "Failed to list apps")
		return
	}
	respondOK(c, http.StatusOK, list)
}

// GetApp returns one app with the caller's credentials and dev server URLs
// GET /api/apps/:id
func (h *Handler) GetApp(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	detail, err := h.Apps.GetApp(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		respondAppError(c, err, "Failed to load app")
		return
	}
	respondOK(c, http.StatusOK, detail)
}

// RenameApp changes an app's name
// PATCH /api/apps/:id
func (h *Handler) RenameApp(c *gin.Context) {
	var req RenameAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
		return
	}

	user := h.currentUser(c)
	if user == nil {
		return
	}

	if err := h.Apps.RenameApp(c.Request.Context(), user, c.Param("id"), req.Name); err != nil {
		respondAppError(c, err, "Failed to rename app")
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Message: "App renamed"})
}

// DeleteApp removes an app the caller administers
// DELETE /api/apps/:id
func (h *Handler) DeleteApp(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	appID := c.Param("id")
	if err := h.Apps.DeleteApp(c.Request.Context(), user, appID); err != nil {
		respondAppError(c, err, "Failed to delete app")
		return
	}
	h.Streams.StopStream(appID)
	c.JSON(http.StatusOK, StandardResponse{Success: true, Message: "App deleted"})
}

// GetMessages returns the stored chat of an app
// GET /api/apps/:id/messages
func (h *Handler) GetMessages(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	messages, err := h.Apps.Messages(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		respondAppError(c, err, "Failed to load messages")
		return
	}
	respondOK(c, http.StatusOK, messages)
}

// SendMessage starts an agent run for a new chat message. The response
// carries the stream to follow.
// POST /api/apps/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
		return
	}

	user := h.currentUser(c)
	if user == nil {
		return
	}

	state, err := h.Apps.SendMessage(c.Request.Context(), user, c.Param("id"), req.Text, req.ImageURLs)
	if err != nil {
		if errors.Is(err, stream.ErrShuttingDown) {
			respondError(c, http.StatusServiceUnavailable, CodeInternalError, "Server is shutting down")
			return
		}
		respondAppError(c, err, "Failed to send message")
		return
	}
	respondOK(c, http.StatusAccepted, state)
}

// StreamApp replays the latest stream of an app and follows it as
// server-sent events until it finishes. 204 means there is no stream.
// GET /api/apps/:id/stream
func (h *Handler) StreamApp(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	appID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.Apps.Authorize(ctx, user.UserID, appID); err != nil {
		respondAppError(c, err, "Failed to open stream")
		return
	}

	chunks, err := h.Streams.Subscribe(ctx, appID)
	if errors.Is(err, stream.ErrNoStream) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondAppError(c, err, "Failed to open stream")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return false
			}
			c.SSEvent(string(chunk.Type), chunk)
			return true
		case <-keepAlive.C:
			c.SSEvent("keep-alive", gin.H{"time": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// StopStream aborts the running agent stream of an app
// POST /api/apps/:id/stream/stop
func (h *Handler) StopStream(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	appID := c.Param("id")
	member, err := h.Apps.Authorize(c.Request.Context(), user.UserID, appID)
	if err != nil {
		respondAppError(c, err, "Failed to stop stream")
		return
	}
	if !member.Permissions.CanWrite() {
		respondError(c, http.StatusForbidden, CodeForbidden, "You do not have permission to stop this stream")
		return
	}

	respondOK(c, http.StatusOK, gin.H{"stopped": h.Streams.StopStream(appID)})
}

// UploadAttachment stores an image for use in chat messages
// POST /api/apps/:id/attachments
func (h *Handler) UploadAttachment(c *gin.Context) {
	if h.Attachments == nil || !h.Attachments.Available() {
		respondError(c, http.StatusServiceUnavailable, CodeStorageUnavailable, "Attachment storage is not configured")
		return
	}

	user := h.currentUser(c)
	if user == nil {
		return
	}

	appID := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.Apps.Authorize(ctx, user.UserID, appID); err != nil {
		respondAppError(c, err, "Failed to upload attachment")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, storage.MaxAttachmentSize+(1<<20))
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "A file field is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "Could not read the uploaded file")
		return
	}
	defer file.Close()

	att, err := h.Attachments.Save(ctx, storage.Upload{
		AppID:       appID,
		UserID:      user.UserID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	switch {
	case err == nil:
		respondOK(c, http.StatusCreated, att)
	case errors.Is(err, storage.ErrUnsupportedType):
		respondError(c, http.StatusUnsupportedMediaType, CodeInvalidRequest, err.Error())
	case errors.Is(err, storage.ErrTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, CodeInvalidRequest, err.Error())
	case errors.Is(err, storage.ErrStorageUnavailable):
		respondError(c, http.StatusServiceUnavailable, CodeStorageUnavailable, "Attachment storage is not configured")
	default:
		logging.WithRequest(c).Error("failed to store attachment", zap.String("app_id", appID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, CodeInternalError, "Failed to upload attachment")
	}
}

// ListTemplates returns the starter templates
// GET /api/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	respondOK(c, http.StatusOK, h.Templates.List())
}

// HandleWebSocket upgrades a member's connection and joins the app's room
// GET /ws/apps/:id
func (h *Handler) HandleWebSocket(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		return
	}

	appID := c.Param("id")
	if _, err := h.Apps.Authorize(c.Request.Context(), user.UserID, appID); err != nil {
		respondAppError(c, err, "Failed to open connection")
		return
	}
	h.Hub.ServeWS(c, appID, user.UserID)
}
