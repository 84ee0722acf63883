package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Monthlyaway/short-link-relay/internal/codegen"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/Monthlyaway/short-link-relay/internal/proxy"
	"github.com/Monthlyaway/short-link-relay/internal/service"
	"github.com/gin-gonic/gin"
)

// Response represents a generic API response
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// LinkHandler handles the admin link API
type LinkHandler struct {
	service *service.LinkService
	baseURL string
	log     logger.Logger
}

// NewLinkHandler creates a new link handler instance
func NewLinkHandler(service *service.LinkService, baseURL string, log logger.Logger) *LinkHandler {
	return &LinkHandler{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

// CreateLinkRequest represents the request body for creating a link
type CreateLinkRequest struct {
	OriginalURL string      `json:"original_url"`
	CustomCode  string      `json:"custom_code,omitempty"`
	Note        string      `json:"note,omitempty"`
	Mode        *model.Mode `json:"mode,omitempty"`
}

// UpdateLinkRequest represents the request body for editing a link
type UpdateLinkRequest struct {
	OriginalURL string      `json:"original_url"`
	Note        string      `json:"note,omitempty"`
	Mode        *model.Mode `json:"mode,omitempty"`
}

// LinkResponse represents a link as returned by the admin API
type LinkResponse struct {
	ShortCode   string     `json:"short_code"`
	ShortURL    string     `json:"short_url"`
	OriginalURL string     `json:"original_url"`
	Note        string     `json:"note"`
	Mode        model.Mode `json:"mode"`
	Clicks      uint64     `json:"clicks"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateLink handles POST /api/v1/links
func (h *LinkHandler) CreateLink(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "Invalid request: " + err.Error(),
		})
		return
	}

	in := service.CreateLinkInput{
		OriginalURL: req.OriginalURL,
		CustomCode:  req.CustomCode,
		Note:        req.Note,
		Mode:        model.ModeRedirect,
	}
	if req.Mode != nil {
		in.Mode = *req.Mode
	}

	link, err := h.service.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{
		Code: http.StatusCreated,
		Data: h.toResponse(link),
	})
}

// ListLinks handles GET /api/v1/links
func (h *LinkHandler) ListLinks(c *gin.Context) {
	links, err := h.service.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	data := make([]LinkResponse, 0, len(links))
	for i := range links {
		data = append(data, h.toResponse(&links[i]))
	}
	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Data: data,
	})
}

// GetLink handles GET /api/v1/links/{short_code}
func (h *LinkHandler) GetLink(c *gin.Context) {
	link, err := h.service.Get(c.Request.Context(), c.Param("short_code"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Data: h.toResponse(link),
	})
}

// UpdateLink handles PUT /api/v1/links/{short_code}
func (h *LinkHandler) UpdateLink(c *gin.Context) {
	var req UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "Invalid request: " + err.Error(),
		})
		return
	}

	link, err := h.service.Update(c.Request.Context(), c.Param("short_code"), service.UpdateLinkInput{
		OriginalURL: req.OriginalURL,
		Note:        req.Note,
		Mode:        req.Mode,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Data: h.toResponse(link),
	})
}

// DeleteLink handles DELETE /api/v1/links/{short_code}
func (h *LinkHandler) DeleteLink(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("short_code")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Pinger reports whether a dependency answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named dependency probed by the health endpoint
type Check struct {
	Name   string
	Pinger Pinger
}

// HealthCheck handles GET /health. It answers 503 naming the first
// dependency that does not respond within two seconds.
func HealthCheck(checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for _, check := range checks {
			if err := check.Pinger.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, Response{
					Code:    http.StatusServiceUnavailable,
					Message: check.Name + " unavailable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, Response{
			Code:    http.StatusOK,
			Message: "OK",
		})
	}
}

func (h *LinkHandler) toResponse(link *model.Link) LinkResponse {
	return LinkResponse{
		ShortCode:   link.ShortCode,
		ShortURL:    fmt.Sprintf("%s/%s", h.baseURL, link.ShortCode),
		OriginalURL: link.OriginalURL,
		Note:        link.Note,
		Mode:        link.Mode,
		Clicks:      link.Clicks,
		CreatedAt:   link.CreatedAt,
	}
}

func (h *LinkHandler) fail(c *gin.Context, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("admin request failed",
			logger.String("path", c.FullPath()),
			logger.Error(err))
	}
	c.JSON(status, Response{
		Code:    status,
		Message: message,
	})
}

// statusFor maps service errors onto HTTP statuses. Messages for 4xx carry
// the error text; 5xx messages stay generic.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrLinkNotFound):
		return http.StatusNotFound, "Short link not found"
	case errors.Is(err, model.ErrCodeConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, codegen.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, "No short code available, try again later"
	case errors.Is(err, proxy.ErrUpstreamUnreachable):
		return http.StatusBadGateway, "Upstream unreachable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
