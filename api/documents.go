package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

// DownloadResponse is the result of the download gate
type DownloadResponse struct {
	DocumentID      string   `json:"document_id"`
	WitnessHash     string   `json:"witness_hash"`
	DownloadEnabled bool     `json:"download_enabled"`
	Advisories      []string `json:"advisories,omitempty"`
}

func bindJSON(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return false
	}
	return true
}

// createDocument opens a new document ledger
func (s *Server) createDocument(c *gin.Context) {
	var cmd handlers.CreateDocumentCommand
	if !bindJSON(c, &cmd) {
		return
	}
	cmd.Actor = actorFrom(c, cmd.Actor)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Documents.HandleCreateDocument(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// getDocumentStatus returns the derived status of a document
func (s *Server) getDocumentStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	status, err := s.deps.Reader.Status(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// getDocumentEvents returns a document's ledger in order
func (s *Server) getDocumentEvents(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	events, err := s.deps.Reader.Events(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if len(events) == 0 {
		respondError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("id"), "events": events})
}

// appendEvent accepts a producer envelope
func (s *Server) appendEvent(c *gin.Context) {
	var env domain.Envelope
	if !bindJSON(c, &env) {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Gateway.Append(ctx, c.Param("id"), env)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// acceptNDA records a confidentiality agreement acceptance
func (s *Server) acceptNDA(c *gin.Context) {
	var cmd handlers.AcceptNDACommand
	if !bindJSON(c, &cmd) {
		return
	}
	cmd.DocumentID = c.Param("id")
	cmd.Actor = actorFrom(c, cmd.Actor)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Documents.HandleAcceptNDA(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// recordSignature records a signature
func (s *Server) recordSignature(c *gin.Context) {
	var cmd handlers.RecordSignatureCommand
	if !bindJSON(c, &cmd) {
		return
	}
	cmd.DocumentID = c.Param("id")
	cmd.Actor = actorFrom(c, cmd.Actor)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Documents.HandleRecordSignature(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// attachTimestamp requests a timestamp token and appends it
func (s *Server) attachTimestamp(c *gin.Context) {
	var cmd handlers.AttachTimestampCommand
	if c.Request.ContentLength > 0 && !bindJSON(c, &cmd) {
		return
	}
	cmd.DocumentID = c.Param("id")
	cmd.Actor = actorFrom(c, cmd.Actor)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Documents.HandleAttachTimestamp(ctx, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	respondAppend(c, result)
}

// download gates the document download on its anchors
func (s *Server) download(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	status, err := s.deps.Reader.Status(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := DownloadResponse{
		DocumentID:      status.EntityID,
		WitnessHash:     status.WitnessHash,
		DownloadEnabled: status.DownloadEnabled,
		Advisories:      status.Advisories,
	}
	if !status.DownloadEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "download is blocked until anchoring completes", "download": resp})
		return
	}
	c.JSON(http.StatusOK, resp)
}
