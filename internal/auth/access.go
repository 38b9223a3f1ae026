package auth

import (
	"errors"

	"github.com/google/uuid"

	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
)

// Identity is the authenticated organizer behind a request.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Role   models.Role
}

// Authenticate validates a bearer token and requires the organizer role.
// A missing, malformed or expired token is Unauthorized; a valid token for
// another role is Forbidden.
func (s *JWTService) Authenticate(token string) (*Identity, error) {
	if token == "" {
		return nil, apperror.Unauthorized("Authentication required. Please provide a token.")
	}
	claims, err := s.Validate(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, apperror.Unauthorized("Invalid or expired token.")
		}
		return nil, apperror.Internal(err)
	}
	if claims.Role != models.RoleOrganizer {
		return nil, apperror.Forbidden("Access denied. Organizer role required.")
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}

// Authorize returns Forbidden unless actorID owns the resource.
func Authorize(actorID, ownerID uuid.UUID) error {
	if actorID == uuid.Nil || actorID != ownerID {
		return apperror.Forbidden("Not authorized to access this event")
	}
	return nil
}
