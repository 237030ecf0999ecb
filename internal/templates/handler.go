package templates

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"herald/internal/logger"
	apperrors "herald/pkg/errors"
)

const changedByHeader = "X-Changed-By"

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	v1 := engine.Group("/api/v1")
	{
		templates := v1.Group("/templates")
		{
			templates.GET("", h.ListTemplates)
			templates.POST("", h.PublishTemplate)
			templates.GET("/:code", h.GetTemplate)
			templates.GET("/:code/versions", h.GetTemplateVersions)
			templates.DELETE("/:code", h.DeactivateTemplate)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

// @Summary      List active templates
// @Tags         templates
// @Produce      json
// @Success      200  {array}   Template
// @Failure      500  {object}  map[string]interface{}
// @Router       /templates [get]
func (h *Handler) ListTemplates(c *gin.Context) {
	list, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// PublishTemplate stores the body as the next active version of its code.
// @Summary      Publish a template version
// @Tags         templates
// @Accept       json
// @Produce      json
// @Param        X-Changed-By  header    string          false  "Author of the change"
// @Param        template      body      PublishRequest  true   "Template content"
// @Success      201           {object}  Template
// @Failure      400           {object}  map[string]interface{}
// @Router       /templates [post]
func (h *Handler) PublishTemplate(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, apperrors.ErrValidation.WithMessage("invalid JSON body").WithCause(err))
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = c.GetHeader(changedByHeader)
	}

	t, err := h.service.Publish(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// @Summary      Get the active version of a template
// @Tags         templates
// @Produce      json
// @Param        code  path      string  true  "Template code"
// @Success      200   {object}  Template
// @Failure      404   {object}  map[string]interface{}
// @Router       /templates/{code} [get]
func (h *Handler) GetTemplate(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// @Summary      List every version of a template
// @Tags         templates
// @Produce      json
// @Param        code  path      string  true  "Template code"
// @Success      200   {array}   Template
// @Failure      404   {object}  map[string]interface{}
// @Router       /templates/{code}/versions [get]
func (h *Handler) GetTemplateVersions(c *gin.Context) {
	versions, err := h.service.Versions(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// @Summary      Deactivate a template
// @Tags         templates
// @Param        code          path  string  true   "Template code"
// @Param        X-Changed-By  header  string  false  "Author of the change"
// @Success      204
// @Failure      404  {object}  map[string]interface{}
// @Router       /templates/{code} [delete]
func (h *Handler) DeactivateTemplate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("code"), c.GetHeader(changedByHeader)); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
