package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TemporalDynamics/ecosign-sub001/anchoring"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

// Windows of the anchor health report
const (
	recentWindow = 10 * time.Minute
	stallWindow  = time.Hour
)

// AnchorHealthResponse reports anchoring progress and the worker heartbeat
type AnchorHealthResponse struct {
	Networks      []eventstore.NetworkHealth `json:"networks"`
	LastWorkerRun *time.Time                 `json:"last_worker_run,omitempty"`
	WorkerHealthy *bool                      `json:"worker_healthy,omitempty"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

type submitAnchorRequest struct {
	Actor string `json:"actor"`
}

// submitAnchor sends the witness hash of a document to a network
func (s *Server) submitAnchor(c *gin.Context) {
	if s.deps.Submitter == nil {
		respondError(c, fmt.Errorf("%w: anchor submission is not configured", domain.ErrExternalService))
		return
	}
	var req submitAnchorRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Submitter.Submit(ctx, c.Param("id"), c.Param("network"), actorFrom(c, req.Actor))
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Duplicate {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// cancelAnchor is the user override for a pending or timed-out anchor
func (s *Server) cancelAnchor(c *gin.Context) {
	var cmd handlers.CancelAnchorCommand
	if c.Request.ContentLength > 0 && !bindJSON(c, &cmd) {
		return
	}
	cmd.DocumentID = c.Param("id")
	cmd.Network = c.Param("network")
	cmd.Actor = actorFrom(c, cmd.Actor)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Documents.HandleCancelAnchor(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// listAnchors lists anchors in a status, pending by default, optionally for
// one network
func (s *Server) listAnchors(c *gin.Context) {
	status := domain.AnchorStatus(c.DefaultQuery("status", string(domain.AnchorPending)))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(c, fmt.Errorf("%w: limit must be between 1 and 1000", domain.ErrValidation))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	anchors, err := s.deps.Reader.AnchorsByStatus(ctx, status, c.Query("network"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "anchors": anchors})
}

// anchorHealth reports per network counts and the worker heartbeat
func (s *Server) anchorHealth(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	now := s.now()
	networks, err := s.deps.Reader.AnchorHealth(ctx, now, recentWindow, stallWindow)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := AnchorHealthResponse{Networks: networks, GeneratedAt: now}

	if s.deps.Heartbeat != nil {
		last, err := s.deps.Heartbeat.Heartbeat(ctx, anchoring.HeartbeatComponent)
		if err != nil {
			respondError(c, err)
			return
		}
		if !last.IsZero() {
			healthy := now.Sub(last) <= 2*s.cfg.Anchoring.PollInterval+time.Minute
			resp.LastWorkerRun = &last
			resp.WorkerHealthy = &healthy
		}
	}
	c.JSON(http.StatusOK, resp)
}
