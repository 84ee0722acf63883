package handler

import (
	"io"
	"net/http"

	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/service"
	"github.com/gin-gonic/gin"
)

// ResolveHandler serves the public short link route
type ResolveHandler struct {
	resolver *service.Resolver
	log      logger.Logger
}

// NewResolveHandler creates a new resolve handler instance
func NewResolveHandler(resolver *service.Resolver, log logger.Logger) *ResolveHandler {
	return &ResolveHandler{
		resolver: resolver,
		log:      log,
	}
}

// Resolve handles GET /{short_code}: a 302 for redirect links, the relayed
// upstream response for proxy links.
func (h *ResolveHandler) Resolve(c *gin.Context) {
	shortCode := c.Param("short_code")
	if shortCode == "" {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: "Short code is required",
		})
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), shortCode)
	if err != nil {
		status, message := statusFor(err)
		c.JSON(status, Response{
			Code:    status,
			Message: message,
		})
		return
	}

	if res.Upstream == nil {
		c.Redirect(http.StatusFound, res.Target)
		return
	}
	defer res.Upstream.Close()

	header := c.Writer.Header()
	for _, f := range res.Upstream.Header {
		header.Add(f.Name, f.Value)
	}
	c.Status(res.Upstream.StatusCode)
	c.Writer.WriteHeaderNow()

	// Status is already on the wire, so a broken body can only be logged.
	if _, err := io.Copy(c.Writer, res.Upstream.Body); err != nil {
		h.log.Warn("proxy body copy interrupted",
			logger.String("short_code", shortCode),
			logger.Error(err))
	}
}
