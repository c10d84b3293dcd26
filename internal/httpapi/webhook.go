package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"imgateway/internal/im"
	"imgateway/internal/im/signature"
	logx "imgateway/pkg/logx"
)

type captureRequest struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// SignatureMiddleware rejects guarded webhook calls whose provider signature
// does not verify. Other paths pass through untouched.
func SignatureMiddleware(v *signature.Verifier, log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Verify(c.Request.URL.Path, c.Request.Header); err != nil {
			log.Warn("webhook signature rejected",
				logx.String("path", c.Request.URL.Path),
				logx.String("remote", c.ClientIP()),
				logx.Err(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
		c.Next()
	}
}

// capture turns an authenticated webhook call into an InboundMessage for the
// message handler and answers with the id it was given.
func (s *Server) capture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	id := uuid.NewString()
	p, _ := signature.Detect(c.Request.Header)
	msg := im.InboundMessage{
		ID:         id,
		SenderID:   strings.TrimSpace(req.Source),
		Text:       req.Content,
		Provider:   p,
		ReceivedAt: time.Now(),
	}
	if s.deps.Handler != nil {
		if err := s.deps.Handler.HandleMessage(c.Request.Context(), msg); err != nil {
			s.log.Warn("capture handler failed", logx.String("uuid", id), logx.Err(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "uuid": id})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"uuid": id})
}
