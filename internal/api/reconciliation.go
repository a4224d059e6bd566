package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"execution-core/internal/reconciliation"
)

type resolveRequest struct {
	Action string `json:"action" binding:"required,min=1"`
	Adopt  bool   `json:"adopt"`
}

type historyQuery struct {
	Limit int `form:"limit"`
}

func (q *historyQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (s *Server) startReconciliation(c *gin.Context) {
	started := s.Recon.Start(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"running": s.Recon.Running(), "started": started})
}

func (s *Server) stopReconciliation(c *gin.Context) {
	stopped := s.Recon.Stop()
	c.JSON(http.StatusOK, gin.H{"running": s.Recon.Running(), "stopped": stopped})
}

func (s *Server) runReconciliation(c *gin.Context) {
	c.JSON(http.StatusOK, s.Recon.RunReconciliation(c.Request.Context()))
}

func (s *Server) reconcileOrder(c *gin.Context) {
	res, err := s.Recon.ReconcileOrder(c.Request.Context(), c.Param("mode"), c.Param("id"))
	if errors.Is(err, reconciliation.ErrSyntheticState) {
		c.JSON(http.StatusConflict, gin.H{"code": "SYNTHETIC_MARKET_DATA", "error": err.Error(), "result": res})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reconciliationHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	records, err := s.Recon.History(c.Request.Context(), c.Param("mode"), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []reconciliation.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) resolveRecord(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "action is required")
		return
	}
	rec, err := s.Recon.ResolveManually(c.Request.Context(), c.Param("mode"), c.Param("id"), req.Action, req.Adopt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
