package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"callern/internal/audit"
	"callern/internal/auth"
	"callern/internal/ledger"
	"callern/internal/presence"
	"callern/internal/protocol"
	"callern/internal/rbac"
	"callern/internal/rooms"
	"callern/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Ledger   *ledger.Service
	Presence *presence.Registry
	Rooms    *rooms.Manager
	Audit    *audit.Service

	// DevLogin enables the credential-less login endpoint. Never set in production.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Role   string `json:"role" validate:"required"`
}

// Login issues a JWT token pair.
//
// NOTE: Development only. There is no credential check.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	if !rbac.IsValid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Packages ---

// ListPackages returns the minute balances of a learner.
// RBAC: the learner themself or an admin.
func (h Handlers) ListPackages(c *gin.Context) {
	views, err := h.Ledger.Balances(c.Request.Context(), c.Param("learner_id"))
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": views})
}

// GrantPackage creates a minute package. Repeating a grant with the same
// package id returns the existing package.
// RBAC: admin.
func (h Handlers) GrantPackage(c *gin.Context) {
	var req ledger.GrantRequest
	if !bindJSON(c, &req) {
		return
	}
	p, created, err := h.Ledger.GrantPackage(c.Request.Context(), req)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.adminAudit(c, "package granted", fmt.Sprintf("package_id=%s learner_id=%s minutes=%d", p.ID, p.LearnerID, p.TotalMinutes))
	}
	c.JSON(status, p)
}

func (h Handlers) ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, ledger.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logger.FromGin(c).Error("ledger request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
	}
}

// --- Teacher availability override ---

type availabilityRequest struct {
	Disabled *bool `json:"disabled" validate:"required"`
}

// GetAvailability reports live presence plus the administrative override.
// RBAC: admin.
func (h Handlers) GetAvailability(c *gin.Context) {
	e, _ := h.Presence.Get(c.Param("teacher_id"))
	c.JSON(http.StatusOK, gin.H{"presence": e, "available": e.Reachable()})
}

// PutAvailability sets or clears the override. A disabled teacher is never
// offered calls regardless of live presence.
// RBAC: admin.
func (h Handlers) PutAvailability(c *gin.Context) {
	teacherID := c.Param("teacher_id")
	var req availabilityRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Presence.SetDisabled(c.Request.Context(), teacherID, *req.Disabled); err != nil {
		logger.FromGin(c).Error("availability override failed", "teacher_id", teacherID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "override store unavailable"})
		return
	}
	h.adminAudit(c, "availability override", fmt.Sprintf("teacher_id=%s disabled=%t", teacherID, *req.Disabled))
	e, _ := h.Presence.Get(teacherID)
	c.JSON(http.StatusOK, gin.H{"presence": e, "available": e.Reachable()})
}

// --- Rooms ---

// ListRooms returns the active rooms.
// RBAC: admin.
func (h Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Rooms.Active()})
}

// TerminateRoom ends a live room with reason admin-terminated.
// RBAC: admin.
func (h Handlers) TerminateRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	r, ok := h.Rooms.Get(roomID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if r.Status != rooms.StatusActive {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": string(protocol.CodeAlreadyTerminal)})
		return
	}
	// The admin may hang up; the settlement still has to run to completion.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.Rooms.End(ctx, roomID, rooms.ReasonAdminTerminated); err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		logger.FromGin(c).Error("room termination failed", "room_id", roomID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "termination failed"})
		return
	}
	h.adminAudit(c, "room terminated", "room_id="+roomID)
	r, _ = h.Rooms.Get(roomID)
	c.JSON(http.StatusOK, r)
}

func (h Handlers) adminAudit(c *gin.Context, message, metadata string) {
	if h.Audit == nil {
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if err := h.Audit.LogAdminAction(c.Request.Context(), uid, role, message, metadata); err != nil {
		logger.FromGin(c).Warn("admin audit failed", "err", err)
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	if err := protocol.ValidateStruct(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
