package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// health is the readiness probe
func (s *Server) health(c *gin.Context) {
	if s.deps.Ping != nil {
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": s.cfg.Ledger.Store})
}
