package admission

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"herald/internal/logger"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
)

// createNotificationRequest accepts both the current field names and the legacy gateway names
// (notification_type, template_code, request_id).
type createNotificationRequest struct {
	Channel          string                 `json:"channel"`
	NotificationType string                 `json:"notification_type"`
	Target           string                 `json:"target"`
	UserID           string                 `json:"user_id"`
	TemplateRef      string                 `json:"template_ref"`
	TemplateCode     string                 `json:"template_code"`
	Variables        map[string]interface{} `json:"variables"`
	RequestKey       string                 `json:"request_key"`
	RequestID        string                 `json:"request_id"`
	Priority         *int                   `json:"priority"`
	Metadata         map[string]interface{} `json:"metadata"`
}

func (r createNotificationRequest) toRequest() Request {
	req := Request{
		Channel:     firstNonEmpty(r.Channel, r.NotificationType),
		Target:      r.Target,
		UserID:      r.UserID,
		TemplateRef: firstNonEmpty(r.TemplateRef, r.TemplateCode),
		Variables:   r.Variables,
		RequestKey:  firstNonEmpty(r.RequestKey, r.RequestID),
		Priority:    r.Priority,
	}
	if len(r.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			req.Metadata[k] = fmt.Sprint(v)
		}
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type Handler struct {
	router *Router
	logger logger.Logger
}

func NewHandler(router *Router, log logger.Logger) *Handler {
	return &Handler{router: router, logger: log}
}

func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	v1 := engine.Group("/api/v1")
	{
		notifications := v1.Group("/notifications")
		{
			notifications.POST("", h.CreateNotification)
			notifications.GET("/:id", h.GetNotificationStatus)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(ctx, "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.logger.InfowCtx(ctx, "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

// CreateNotification admits a notification. New admissions answer 202, replays of a request key
// answer 200 with the original notification id.
// @Summary      Submit a notification
// @Description  Validate, deduplicate and queue a notification for its channel
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Param        notification  body      createNotificationRequest  true  "Notification request"
// @Success      202           {object}  map[string]interface{}
// @Success      200           {object}  map[string]interface{}
// @Failure      400           {object}  map[string]interface{}
// @Failure      503           {object}  map[string]interface{}
// @Router       /notifications [post]
func (h *Handler) CreateNotification(c *gin.Context) {
	var body createNotificationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.handleError(c, apperrors.ErrValidation.WithMessage("invalid JSON body").WithCause(err))
		return
	}

	req := body.toRequest()
	req.CorrelationID = logging.GetCorrelationID(c.Request.Context())

	res, err := h.router.Admit(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	if res.Duplicate {
		c.JSON(http.StatusOK, gin.H{
			"notification_id": res.NotificationID,
			"status":          res.Status,
			"duplicate":       true,
			"message":         "Notification already processed",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"notification_id": res.NotificationID,
		"status":          res.Status,
		"message":         "Notification queued successfully",
	})
}

// @Summary      Get notification status
// @Tags         notifications
// @Produce      json
// @Param        id   path      string  true  "Notification ID"
// @Success      200  {object}  models.StatusRecord
// @Failure      404  {object}  map[string]interface{}
// @Router       /notifications/{id} [get]
func (h *Handler) GetNotificationStatus(c *gin.Context) {
	rec, err := h.router.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
