package tickets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/response"
)

type memPasses struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemPasses() *memPasses { return &memPasses{objects: map[string][]byte{}} }

func (m *memPasses) PutObject(_ context.Context, key, _ string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return nil
}

func (m *memPasses) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memPasses) PresignGet(_ context.Context, key string) (string, error) {
	return "https://passes.example.com/" + key + "?sig=test", nil
}

type fixture struct {
	store   *ledger.SQLite
	admit   *admission.Service
	tickets *Service
	passes  *memPasses
	event   *models.Event
}

func newFixture(t *testing.T, mode models.ApprovalMode) *fixture {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "tickets.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &models.Event{
		OrganizerID:  uuid.New(),
		Title:        "Launch Party",
		Description:  "Celebrating the release with the community",
		Venue:        "Rooftop",
		Date:         time.Now().Add(24 * time.Hour).UTC(),
		TicketLimit:  10,
		ApprovalMode: mode,
	}
	require.NoError(t, store.PutEvent(context.Background(), e))

	passes := newMemPasses()
	return &fixture{
		store:   store,
		admit:   admission.NewService(store, nil),
		tickets: NewService(store, passes, nil),
		passes:  passes,
		event:   e,
	}
}

func (f *fixture) register(t *testing.T, email string) *models.Registration {
	t.Helper()
	adm, err := f.admit.Register(context.Background(), f.event.ID, admission.RegisterInput{Name: "Attendee", Email: email})
	require.NoError(t, err)
	return adm.Registration
}

func TestLookup_ApprovedTicket(t *testing.T) {
	f := newFixture(t, models.ApprovalAuto)
	reg := f.register(t, "ada@example.com")

	ticket, err := f.tickets.Lookup(context.Background(), reg.TicketCode)
	require.NoError(t, err)
	assert.Equal(t, reg.TicketCode, ticket.TicketID)
	assert.Equal(t, "ada@example.com", ticket.UserEmail)
	assert.Equal(t, f.event.Title, ticket.Event.Title)
	assert.Equal(t, f.event.Venue, ticket.Event.Venue)

	lower, err := f.tickets.Lookup(context.Background(), " "+reg.TicketCode+" ")
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketID, lower.TicketID)
}

func TestLookup_PendingThenApproved(t *testing.T) {
	f := newFixture(t, models.ApprovalManual)
	reg := f.register(t, "grace@example.com")

	_, err := f.tickets.Lookup(context.Background(), reg.TicketCode)
	assert.Equal(t, apperror.KindNotApproved, apperror.KindOf(err))

	_, err = f.admit.Decide(context.Background(), reg.ID, f.event.OrganizerID, models.StatusApproved)
	require.NoError(t, err)

	ticket, err := f.tickets.Lookup(context.Background(), reg.TicketCode)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, ticket.Status)
}

func TestLookup_RejectedIsNotApproved(t *testing.T) {
	f := newFixture(t, models.ApprovalAuto)
	reg := f.register(t, "ada@example.com")
	_, err := f.admit.Decide(context.Background(), reg.ID, f.event.OrganizerID, models.StatusRejected)
	require.NoError(t, err)

	ticket, err := f.tickets.Lookup(context.Background(), reg.TicketCode)
	assert.Nil(t, ticket)
	assert.Equal(t, apperror.KindNotApproved, apperror.KindOf(err))
}

func TestLookup_UnknownAndDeleted(t *testing.T) {
	f := newFixture(t, models.ApprovalAuto)
	reg := f.register(t, "ada@example.com")

	for _, code := range []string{"ZZZZZZZZZZ", "short", ""} {
		_, err := f.tickets.Lookup(context.Background(), code)
		assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err), code)
	}

	require.NoError(t, f.store.DeleteEvent(context.Background(), f.event.ID))
	_, err := f.tickets.Lookup(context.Background(), reg.TicketCode)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestArchiveAndPassURL(t *testing.T) {
	f := newFixture(t, models.ApprovalAuto)
	reg := f.register(t, "ada@example.com")

	_, err := f.tickets.PassURL(context.Background(), reg.TicketCode)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err), "not archived yet")

	key, err := f.tickets.Archive(context.Background(), reg.TicketCode)
	require.NoError(t, err)
	assert.Equal(t, "tickets/"+f.event.ID.String()+"/"+reg.TicketCode+".json", key)

	var pass Pass
	require.NoError(t, json.Unmarshal(f.passes.objects[key], &pass))
	assert.Equal(t, reg.TicketCode, pass.TicketID)
	assert.Equal(t, reg.ID.String(), pass.RegistrationID)

	url, err := f.tickets.PassURL(context.Background(), reg.TicketCode)
	require.NoError(t, err)
	assert.Contains(t, url, key)
}

func TestArchive_RequiresApproval(t *testing.T) {
	f := newFixture(t, models.ApprovalManual)
	reg := f.register(t, "grace@example.com")

	_, err := f.tickets.Archive(context.Background(), reg.TicketCode)
	assert.Equal(t, apperror.KindNotApproved, apperror.KindOf(err))
	assert.Empty(t, f.passes.objects)
}

func TestPassURL_WithoutStorage(t *testing.T) {
	f := newFixture(t, models.ApprovalAuto)
	reg := f.register(t, "ada@example.com")
	svc := NewService(f.store, nil, nil)

	_, err := svc.PassURL(context.Background(), reg.TicketCode)
	assert.Equal(t, apperror.KindStorageUnavailable, apperror.KindOf(err))
}

func TestHandler_Get(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, models.ApprovalManual)
	reg := f.register(t, "grace@example.com")

	r := gin.New()
	h := NewHandler(f.tickets, nil)
	r.GET("/tickets/:ticketCode", h.Get)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tickets/"+reg.TicketCode, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(apperror.KindNotApproved), body.Code)
	assert.NotContains(t, w.Body.String(), "grace@example.com")

	_, err := f.admit.Decide(context.Background(), reg.ID, f.event.OrganizerID, models.StatusApproved)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tickets/"+reg.TicketCode, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), reg.TicketCode)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tickets/NOPE000000", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
