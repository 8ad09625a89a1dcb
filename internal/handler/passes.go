package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictstake/internal/repository"
	"predictstake/internal/settle"
)

// PassRunner lets the API trigger a settlement pass by hand. Racing the
// scheduled pass is safe: the loser records already-resolved.
type PassRunner interface {
	RunOnce(ctx context.Context, trigger string) (settle.Summary, error)
}

type PassHandler struct {
	Repo   repository.Repository
	Runner PassRunner
	Logger *zap.Logger
}

func (h *PassHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/passes", h.list)
	r.GET("/api/v1/passes/:id/outcomes", h.outcomes)
	r.POST("/api/v1/passes/run", h.run)
}

func (h *PassHandler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	params := repository.ListPassesParams{Limit: limit, Offset: offset}
	if trigger := strings.TrimSpace(c.Query("trigger")); trigger != "" {
		params.Trigger = &trigger
	}
	items, err := h.Repo.ListSettlementPasses(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, "list passes failed", nil)
		return
	}
	total, err := h.Repo.CountSettlementPasses(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, "count passes failed", nil)
		return
	}
	Ok(c, items, map[string]any{"total": total, "limit": limit, "offset": offset})
}

func (h *PassHandler) outcomes(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid pass id", nil)
		return
	}
	pass, err := h.Repo.GetSettlementPassByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, "fetch pass failed", nil)
		return
	}
	if pass == nil {
		Error(c, http.StatusNotFound, "pass not found", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	params := repository.ListOutcomesParams{Limit: limit, Offset: offset, PassID: &id}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		params.Status = &status
	}
	items, err := h.Repo.ListStakeOutcomes(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, "list outcomes failed", nil)
		return
	}
	Ok(c, gin.H{"pass": pass, "outcomes": items}, nil)
}

func (h *PassHandler) run(c *gin.Context) {
	if h.Runner == nil {
		Error(c, http.StatusServiceUnavailable, "settlement disabled", nil)
		return
	}
	summary, err := h.Runner.RunOnce(c.Request.Context(), "manual")
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("manual settlement pass failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, "settlement pass failed", map[string]any{"error": err.Error()})
		return
	}
	Ok(c, summary, nil)
}
