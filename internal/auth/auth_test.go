package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/utils"
)

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMemUsers() *memUsers { return &memUsers{users: map[uuid.UUID]*models.User{}} }

func (m *memUsers) Create(_ context.Context, name, email, hash string, role models.Role) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return nil, ErrEmailTaken
		}
	}
	u := &models.User{ID: uuid.New(), Name: name, Email: email, Password: hash, Role: role, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func TestJWT_RoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 2)
	user := &models.User{ID: uuid.New(), Email: "org@example.com", Role: models.RoleOrganizer}

	token, err := svc.Generate(user)
	require.NoError(t, err)
	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, models.RoleOrganizer, claims.Role)

	identity, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, user.Email, identity.Email)
}

func TestJWT_Expired(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate(&models.User{ID: uuid.New(), Role: models.RoleOrganizer})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Authenticate(token)
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
}

func TestAuthenticate_Errors(t *testing.T) {
	svc := NewJWTService("secret", 1)
	_, err := svc.Authenticate("")
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
	_, err = svc.Authenticate("not.a.jwt")
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))

	token, err := svc.Generate(&models.User{ID: uuid.New(), Role: models.Role("attendee")})
	require.NoError(t, err)
	_, err = svc.Authenticate(token)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))
}

func TestAuthorize(t *testing.T) {
	owner := uuid.New()
	assert.NoError(t, Authorize(owner, owner))
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(Authorize(uuid.New(), owner)))
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(Authorize(uuid.Nil, uuid.Nil)))
}

type authBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    struct {
		Token string            `json:"token"`
		User  models.UserPublic `json:"user"`
	} `json:"data"`
}

func newAuthRouter(users UserStore, svc *JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(users, svc, nil)
	r := gin.New()
	r.POST("/auth/signup", h.Signup)
	r.POST("/auth/login", h.Login)
	r.GET("/auth/me", func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if id, err := svc.Authenticate(token); err == nil {
			c.Set(ContextIdentity, id)
		}
		h.Me(c)
	})
	return r
}

func post(t *testing.T, r *gin.Engine, path, body string) (int, authBody) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var out authBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func TestHandler_SignupLoginMe(t *testing.T) {
	svc := NewJWTService("secret", 1)
	r := newAuthRouter(newMemUsers(), svc)

	code, body := post(t, r, "/auth/signup", `{"name":"Grace","email":"Grace@Example.com","password":"hopper1"}`)
	require.Equal(t, http.StatusCreated, code, body.Error)
	assert.Equal(t, "Organizer account created successfully", body.Message)
	assert.Equal(t, "grace@example.com", body.Data.User.Email)
	assert.Equal(t, models.RoleOrganizer, body.Data.User.Role)

	code, body = post(t, r, "/auth/signup", `{"name":"Grace","email":"grace@example.com","password":"hopper1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "User with this email already exists", body.Error)

	code, body = post(t, r, "/auth/signup", `{"name":"G","email":"g@example.com","password":"123"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = post(t, r, "/auth/login", `{"email":"grace@example.com","password":"wrong-pass"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid email or password", body.Error)

	code, body = post(t, r, "/auth/login", `{"email":"nobody@example.com","password":"hopper1"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = post(t, r, "/auth/login", `{"email":"GRACE@example.com","password":"hopper1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Login successful", body.Message)
	require.NotEmpty(t, body.Data.Token)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.Data.Token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grace@example.com")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_LoginRequiresOrganizer(t *testing.T) {
	users := newMemUsers()
	hash, err := utils.HashPassword("secret1")
	require.NoError(t, err)
	_, err = users.Create(context.Background(), "Guest", "guest@example.com", hash, models.Role("attendee"))
	require.NoError(t, err)

	r := newAuthRouter(users, NewJWTService("secret", 1))
	code, body := post(t, r, "/auth/login", `{"email":"guest@example.com","password":"secret1"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Access denied. Organizer role required.", body.Error)
}
