// Package pcapi provides the REST surface for PC (preclear) profile CRUD,
// as distinct from the WebSocket-carried session/meter traffic the router
// handles. Grounded on internal/speaker/handler.go's gin route-group and
// JSON-binding shape, repointed at casestore.Store instead of speaker
// enrollment.
package pcapi

import (
	"errors"
	"fmt"
	"net/http"

	"meterengine/internal/casestore"

	"github.com/gin-gonic/gin"
)

// Handler serves PC profile CRUD over HTTP. All dependencies are
// explicitly injected via constructor.
type Handler struct {
	store casestore.Store
}

// NewHandler constructs a Handler bound to store.
func NewHandler(store casestore.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the PC profile route group.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	pcGroup := router.Group("/api/v1/pc")
	{
		pcGroup.POST("", h.CreatePC)
		pcGroup.GET("", h.ListPCs)
		pcGroup.GET("/:pc_id", h.GetPC)
		pcGroup.PUT("/:pc_id", h.UpdatePC)
		pcGroup.DELETE("/:pc_id", h.DeletePC)
		pcGroup.GET("/:pc_id/sessions", h.ListSessionsForPC)
	}
}

type pcRequest struct {
	FirstName    string `json:"firstName" binding:"required"`
	LastName     string `json:"lastName"`
	CaseStatus   string `json:"caseStatus"`
	CurrentGrade string `json:"currentGrade"`
	Notes        string `json:"notes"`
}

func pcResponse(pc casestore.PC) gin.H {
	return gin.H{
		"id":           pc.ID,
		"firstName":    pc.FirstName,
		"lastName":     pc.LastName,
		"caseStatus":   pc.CaseStatus,
		"currentGrade": pc.CurrentGrade,
		"notes":        pc.Notes,
		"createdAt":    pc.CreatedAt,
		"updatedAt":    pc.UpdatedAt,
	}
}

// CreatePC creates a new PC profile.
func (h *Handler) CreatePC(c *gin.Context) {
	var req pcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pc, err := h.store.CreatePC(casestore.PC{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		CaseStatus:   casestore.CaseStatus(req.CaseStatus),
		CurrentGrade: req.CurrentGrade,
		Notes:        req.Notes,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to create PC: %v", err)})
		return
	}
	c.JSON(http.StatusCreated, pcResponse(pc))
}

// GetPC returns a single PC profile by id.
func (h *Handler) GetPC(c *gin.Context) {
	pcID := c.Param("pc_id")
	pc, err := h.store.GetPC(pcID)
	if err != nil {
		h.notFoundOrError(c, err, pcID)
		return
	}
	c.JSON(http.StatusOK, pcResponse(pc))
}

// ListPCs returns every stored PC profile.
func (h *Handler) ListPCs(c *gin.Context) {
	pcs, err := h.store.ListPCs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to list PCs: %v", err)})
		return
	}
	profiles := make([]gin.H, 0, len(pcs))
	for _, pc := range pcs {
		profiles = append(profiles, pcResponse(pc))
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "total": len(profiles)})
}

// UpdatePC overlays request fields onto the existing PC and saves it.
func (h *Handler) UpdatePC(c *gin.Context) {
	pcID := c.Param("pc_id")
	var req pcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := h.store.GetPC(pcID)
	if err != nil {
		h.notFoundOrError(c, err, pcID)
		return
	}
	existing.FirstName = req.FirstName
	existing.LastName = req.LastName
	if req.CaseStatus != "" {
		existing.CaseStatus = casestore.CaseStatus(req.CaseStatus)
	}
	existing.CurrentGrade = req.CurrentGrade
	existing.Notes = req.Notes

	pc, err := h.store.UpdatePC(existing)
	if err != nil {
		h.notFoundOrError(c, err, pcID)
		return
	}
	c.JSON(http.StatusOK, pcResponse(pc))
}

// DeletePC removes a PC profile and its session records.
func (h *Handler) DeletePC(c *gin.Context) {
	pcID := c.Param("pc_id")
	if err := h.store.DeletePC(pcID); err != nil {
		h.notFoundOrError(c, err, pcID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "PC deleted", "id": pcID})
}

// ListSessionsForPC returns every session record belonging to a PC.
func (h *Handler) ListSessionsForPC(c *gin.Context) {
	pcID := c.Param("pc_id")
	recs, err := h.store.ListSessionsForPC(pcID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to list sessions: %v", err)})
		return
	}
	sessions := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, gin.H{
			"id":              rec.ID,
			"pcId":            rec.PCID,
			"phase":           rec.Phase,
			"sessionNumber":   rec.SessionNumber,
			"durationSeconds": rec.DurationSeconds,
			"taStart":         rec.TAStart,
			"taEnd":           rec.TAEnd,
			"taMotion":        rec.TAMotion,
			"indicators":      rec.Indicators,
			"notes":           rec.Notes,
			"createdAt":       rec.CreatedAt,
			"updatedAt":       rec.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pcId": pcID, "sessions": sessions})
}

func (h *Handler) notFoundOrError(c *gin.Context, err error, id string) {
	if errors.Is(err, casestore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("PC not found: %s", id)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
