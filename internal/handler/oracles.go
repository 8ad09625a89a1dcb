package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"predictstake/internal/repository"
)

type OracleHandler struct {
	Repo repository.Repository
}

func (h *OracleHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/oracles", h.list)
	r.GET("/api/v1/snapshots", h.snapshots)
}

func (h *OracleHandler) list(c *gin.Context) {
	items, err := h.Repo.ListOracleHealth(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, "list oracle health failed", nil)
		return
	}
	Ok(c, items, nil)
}

func (h *OracleHandler) snapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	params := repository.ListPriceSnapshotsParams{Limit: limit, Offset: offset}
	if asset := strings.TrimSpace(c.Query("asset")); asset != "" {
		params.Asset = &asset
	}
	if source := strings.TrimSpace(c.Query("source")); source != "" {
		params.Source = &source
	}
	items, err := h.Repo.ListPriceSnapshots(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, "list price snapshots failed", nil)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset})
}
