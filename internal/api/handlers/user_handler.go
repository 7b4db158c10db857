package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/api/middleware"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// UserHandler manages admin API accounts. All routes except Me and
// ChangePassword are admin-only.
type UserHandler struct {
	deps *Deps
}

func NewUserHandler(deps *Deps) *UserHandler {
	return &UserHandler{deps: deps}
}

// List handles GET /api/users
func (h *UserHandler) List(c *gin.Context) {
	var users []models.User
	if err := h.deps.DB.Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, users)
}

type createUserRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Create handles POST /api/users
func (h *UserHandler) Create(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleViewer
	}
	if !validRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin, operator or viewer"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user := models.User{
		Email:   email,
		Name:    req.Name,
		Role:    req.Role,
		Enabled: true,
	}
	if err := user.SetPassword(req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "user",
		ResourceID:   email,
		Detail:       req.Role,
	}, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return conflictError("a user with that email already exists")
		}
		return tx.Create(&user).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, user)
}

type updateUserRequest struct {
	Name     *string `json:"name"`
	Role     *string `json:"role"`
	Enabled  *bool   `json:"enabled"`
	Password *string `json:"password"`
}

// Update handles PUT /api/users/:id
func (h *UserHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != nil && !validRole(*req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin, operator or viewer"})
		return
	}

	actor := middleware.CurrentUser(c)

	var user models.User
	ok := h.deps.mutate(c, services.Entry{
		Action:       "update",
		ResourceType: "user",
		ResourceID:   strconv.FormatUint(id, 10),
	}, func(tx *gorm.DB) error {
		if err := tx.First(&user, id).Error; err != nil {
			return err
		}
		if actor != nil && actor.ID == user.ID {
			if req.Role != nil && *req.Role != user.Role {
				return conflictError("cannot change your own role")
			}
			if req.Enabled != nil && !*req.Enabled {
				return conflictError("cannot disable your own account")
			}
		}
		if req.Name != nil {
			user.Name = *req.Name
		}
		if req.Role != nil {
			user.Role = *req.Role
		}
		if req.Enabled != nil {
			user.Enabled = *req.Enabled
		}
		if req.Password != nil {
			if err := user.SetPassword(*req.Password); err != nil {
				return err
			}
		}
		return tx.Save(&user).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, user)
}

// Delete handles DELETE /api/users/:id. Deleting yourself is refused.
func (h *UserHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	actor := middleware.CurrentUser(c)
	if actor != nil && uint64(actor.ID) == id {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot delete your own account"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "user",
		ResourceID:   strconv.FormatUint(id, 10),
	}, func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, id).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

// Me handles GET /api/users/me
func (h *UserHandler) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, user)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// ChangePassword handles PUT /api/users/me/password
func (h *UserHandler) ChangePassword(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.deps.Auth.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e := services.Entry{
		Action:       "update",
		ResourceType: "user",
		ResourceID:   user.Email,
		Detail:       "password changed",
	}
	fillActor(c, &e)
	if err := h.deps.Audit.Record(nil, e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

func validRole(role string) bool {
	return role == models.RoleAdmin || role == models.RoleOperator || role == models.RoleViewer
}
