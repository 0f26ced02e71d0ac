package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TemporalDynamics/ecosign-sub001/tsa"
)

// VerifyTimestampRequest asks whether a token is bound to a hash
type VerifyTimestampRequest struct {
	Token        string `json:"token" binding:"required"`
	ExpectedHash string `json:"expected_hash"`
}

// VerifyTimestampResponse is the verifier's report
type VerifyTimestampResponse struct {
	Verified bool        `json:"verified"`
	Result   *tsa.Result `json:"result"`
}

// verifyTimestamp checks a token without touching the ledger
func (s *Server) verifyTimestamp(c *gin.Context) {
	var req VerifyTimestampRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := tsa.Verify(req.Token, req.ExpectedHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, VerifyTimestampResponse{Verified: result.Verified(), Result: result})
}
