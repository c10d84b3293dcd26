package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"imgateway/internal/im"
	"imgateway/internal/notifier"
	"imgateway/internal/storage"
)

const (
	testMessage        = "Test message from IM Gateway"
	notifyTestContent  = "Test notification"
	defaultUserID      = "default"
	defaultDeliveryLim = 50
	maxDeliveryLim     = 1000
)

type providerInfo struct {
	Provider im.Provider `json:"provider"`
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
}

type sendResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Provider string `json:"provider"`
}

type channelRequest struct {
	Provider string `json:"provider" binding:"required"`
}

type channelResponse struct {
	Success  bool   `json:"success"`
	Provider string `json:"provider"`
}

func (s *Server) status(c *gin.Context) {
	statuses := s.deps.Gateway.Statuses()
	if statuses == nil {
		statuses = []im.ConnectionStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

func (s *Server) providers(c *gin.Context) {
	out := []providerInfo{}
	for _, p := range s.deps.Gateway.AvailableProviders() {
		out = append(out, providerInfo{Provider: p, Name: p.DisplayName(), Enabled: true})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// test sends a fixed text to one provider, or through the router's default
// resolution when no provider is named.
func (s *Server) test(c *gin.Context) {
	ctx := c.Request.Context()
	raw := strings.TrimSpace(c.Query("provider"))
	if raw == "" {
		res := s.deps.Router.SendText(ctx, testMessage, "")
		c.JSON(http.StatusOK, sendResponse{Success: res.Success, Error: res.Error, Provider: "default"})
		return
	}
	p, err := im.ParseProvider(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.deps.Gateway.SendToProvider(ctx, p, im.Text(testMessage))
	c.JSON(http.StatusOK, sendResponse{Success: res.Success, Error: res.Error, Provider: string(p)})
}

func (s *Server) testAll(c *gin.Context) {
	results := s.deps.Router.SendToAll(c.Request.Context(), im.Text(testMessage))
	out := make([]sendResponse, 0, len(results))
	for _, r := range results {
		name := string(r.Provider)
		if name == "" {
			name = "unknown"
		}
		out = append(out, sendResponse{Success: r.Success, Error: r.Error, Provider: name})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) notify(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}
	ctx := c.Request.Context()
	user := strings.TrimSpace(c.Query("user_id"))
	res := s.deps.Router.NotifyCaptureSuccess(ctx, id.String(), notifyTestContent, user)

	provider := "default"
	if user != "" {
		if p, ok := s.deps.Router.GetUserChannel(ctx, user); ok {
			provider = string(p)
		}
	}
	c.JSON(http.StatusOK, sendResponse{Success: res.Success, Error: res.Error, Provider: provider})
}

func userParam(c *gin.Context) string {
	if u := strings.TrimSpace(c.Query("user_id")); u != "" {
		return u
	}
	return defaultUserID
}

func (s *Server) getChannel(c *gin.Context) {
	p, ok := s.deps.Router.GetUserChannel(c.Request.Context(), userParam(c))
	if !ok {
		c.JSON(http.StatusOK, channelResponse{Success: false, Provider: "none"})
		return
	}
	c.JSON(http.StatusOK, channelResponse{Success: true, Provider: string(p)})
}

func (s *Server) setChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	p, err := im.ParseProvider(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Router.SetUserChannel(c.Request.Context(), userParam(c), p); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, channelResponse{Success: true, Provider: string(p)})
}

func (s *Server) deliveries(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": storage.ErrDisabled.Error()})
		return
	}
	limit := defaultDeliveryLim
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDeliveryLim)
	}
	items, err := s.deps.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []storage.Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": items})
}

// alerts lists recent alert deliveries, newest first.
func (s *Server) alerts(c *gin.Context) {
	items := s.deps.Alerts.Snapshot()
	out := make([]notifier.HistoryItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}
