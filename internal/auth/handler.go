package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/response"
	"github.com/eventdesk/backend/pkg/utils"
)

// ContextIdentity is the gin context key holding the *Identity set by the JWT middleware.
const ContextIdentity = "identity"

// SignupRequest is the body for POST /auth/signup.
type SignupRequest struct {
	Name     string `json:"name" binding:"required,min=2,max=100"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users  UserStore
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users UserStore, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, jwt: jwt, logger: logger}
}

// Signup handles POST /auth/signup. Every account is an organizer.
func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password", zap.Error(err))
		response.Internal(c, "failed to hash password")
		return
	}
	user, err := h.users.Create(c.Request.Context(), strings.TrimSpace(req.Name), email, hash, models.RoleOrganizer)
	if errors.Is(err, ErrEmailTaken) {
		response.BadRequest(c, "User with this email already exists")
		return
	}
	if err != nil {
		h.logger.Error("create user", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	token, err := h.jwt.Generate(user)
	if err != nil {
		h.logger.Error("generate token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, "Organizer account created successfully", TokenResponse{Token: token, User: user.ToPublic()})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			h.logger.Error("get user by email", zap.Error(err))
		}
		response.Unauthorized(c, "Invalid email or password")
		return
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "Invalid email or password")
		return
	}
	if user.Role != models.RoleOrganizer {
		response.Forbidden(c, "Access denied. Organizer role required.")
		return
	}

	token, err := h.jwt.Generate(user)
	if err != nil {
		h.logger.Error("generate token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	response.OKMessage(c, "Login successful", TokenResponse{Token: token, User: user.ToPublic()})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	id, ok := IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), id.UserID)
	if errors.Is(err, ErrUserNotFound) {
		response.Error(c, apperror.Unauthorized("User not found. Token is invalid."))
		return
	}
	if err != nil {
		h.logger.Error("get user", zap.Error(err))
		response.Internal(c, "failed to load user")
		return
	}
	response.OK(c, gin.H{"user": user.ToPublic()})
}

// IdentityFrom returns the identity stored on c by the JWT middleware.
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok && id != nil
}

// ActorID returns the authenticated organizer's ID, or uuid.Nil.
func ActorID(c *gin.Context) uuid.UUID {
	if id, ok := IdentityFrom(c); ok {
		return id.UserID
	}
	return uuid.Nil
}
