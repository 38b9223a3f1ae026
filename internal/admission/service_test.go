package admission

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/queue"
)

type fakePublisher struct {
	mu      sync.Mutex
	updates []models.Availability
}

func (p *fakePublisher) PublishAvailability(_ context.Context, a models.Availability) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, a)
	return nil
}

func (p *fakePublisher) last() (models.Availability, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return models.Availability{}, 0
	}
	return p.updates[len(p.updates)-1], len(p.updates)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.TicketPassPayload
}

func (e *fakeEnqueuer) EnqueueTicketPass(_ context.Context, p queue.TicketPassPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, p)
	return nil
}

func (e *fakeEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func newTestService(t *testing.T) (*Service, *ledger.SQLite) {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "admission.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, nil), store
}

func seedEvent(t *testing.T, store *ledger.SQLite, limit int, mode models.ApprovalMode) *models.Event {
	t.Helper()
	e := &models.Event{
		OrganizerID:  uuid.New(),
		Title:        "Gopher Conf",
		Description:  "A day of talks about Go in production",
		Venue:        "Main Hall",
		Date:         time.Now().Add(72 * time.Hour).UTC(),
		TicketLimit:  limit,
		ApprovalMode: mode,
	}
	require.NoError(t, store.PutEvent(context.Background(), e))
	return e
}

func register(t *testing.T, svc *Service, eventID uuid.UUID, email string) *models.Registration {
	t.Helper()
	adm, err := svc.Register(context.Background(), eventID, RegisterInput{Name: "Attendee", Email: email})
	require.NoError(t, err)
	return adm.Registration
}

func approvedCount(t *testing.T, store *ledger.SQLite, eventID uuid.UUID) int {
	t.Helper()
	counts, err := store.CountByStatus(context.Background(), eventID)
	require.NoError(t, err)
	return counts.Approved
}

func TestRegister_AutoApproves(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalAuto)

	adm, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "  Ada Lovelace ", Email: " Ada@Example.COM "})
	require.NoError(t, err)

	assert.Equal(t, MsgApproved, adm.Message)
	assert.Equal(t, models.StatusApproved, adm.Registration.Status)
	assert.Equal(t, "ada@example.com", adm.Registration.UserEmail)
	assert.Equal(t, "Ada Lovelace", adm.Registration.UserName)
	assert.True(t, ValidTicketCode(adm.Registration.TicketCode))
	assert.Equal(t, e.Title, adm.Event.Title)
	assert.Equal(t, 1, approvedCount(t, store, e.ID))
}

func TestRegister_ManualIsPending(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalManual)

	adm, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "Grace", Email: "grace@example.com"})
	require.NoError(t, err)
	assert.Equal(t, MsgPending, adm.Message)
	assert.Equal(t, models.StatusPending, adm.Registration.Status)
	assert.Equal(t, 0, approvedCount(t, store, e.ID))
}

func TestRegister_ValidationLeavesLedgerUntouched(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalAuto)

	cases := []RegisterInput{
		{Name: "A", Email: "a@example.com"},
		{Name: "Valid Name", Email: "not-an-email"},
		{Name: "", Email: ""},
		{Name: "   ", Email: "a@example.com"},
	}
	for _, in := range cases {
		_, err := svc.Register(context.Background(), e.ID, in)
		assert.Equal(t, apperror.KindValidation, apperror.KindOf(err), "input %+v", in)
	}

	list, err := store.ListByEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegister_UnknownEvent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Register(context.Background(), uuid.New(), RegisterInput{Name: "Ada", Email: "ada@example.com"})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestRegister_PastEventIsExpired(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalAuto)
	svc.now = func() time.Time { return e.Date.Add(time.Minute) }

	_, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))

	// The event date itself is already too late.
	svc.now = func() time.Time { return e.Date }
	_, err = svc.Register(context.Background(), e.ID, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))
	assert.Equal(t, 0, approvedCount(t, store, e.ID))
}

func TestRegister_DuplicateIgnoresEmailCase(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalAuto)
	register(t, svc, e.ID, "ada@example.com")

	_, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "Ada", Email: "ADA@example.com"})
	assert.Equal(t, apperror.KindDuplicateRegistration, apperror.KindOf(err))
	assert.Equal(t, 1, approvedCount(t, store, e.ID))
}

func TestRegister_DuplicateAfterRejection(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalManual)
	reg := register(t, svc, e.ID, "ada@example.com")
	_, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusRejected)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), e.ID, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	assert.Equal(t, apperror.KindDuplicateRegistration, apperror.KindOf(err))
}

func TestRegister_SoldOut(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 2, models.ApprovalAuto)
	register(t, svc, e.ID, "a@example.com")
	register(t, svc, e.ID, "b@example.com")

	_, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "Late", Email: "c@example.com"})
	assert.Equal(t, apperror.KindCapacityExceeded, apperror.KindOf(err))
	assert.Equal(t, 2, approvedCount(t, store, e.ID))
}

func TestRegister_ManualModeAcceptsPendingBeyondLimit(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 1, models.ApprovalManual)
	for i := 0; i < 3; i++ {
		reg := register(t, svc, e.ID, fmt.Sprintf("user%d@example.com", i))
		assert.Equal(t, models.StatusPending, reg.Status)
	}
}

func TestRegister_ManualModeSoldOutOnceApprovedReachesLimit(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 1, models.ApprovalManual)
	reg := register(t, svc, e.ID, "first@example.com")
	_, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), e.ID, RegisterInput{Name: "Second", Email: "second@example.com"})
	assert.Equal(t, apperror.KindCapacityExceeded, apperror.KindOf(err))
}

func TestRegister_ConcurrentNeverOverAdmits(t *testing.T) {
	svc, store := newTestService(t)
	const limit, attempts = 5, 40
	e := seedEvent(t, store, limit, models.ApprovalAuto)

	var wg sync.WaitGroup
	var mu sync.Mutex
	kinds := map[apperror.Kind]int{}
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Register(context.Background(), e.ID, RegisterInput{
				Name:  fmt.Sprintf("User %d", n),
				Email: fmt.Sprintf("user%d@example.com", n),
			})
			mu.Lock()
			kinds[apperror.KindOf(err)]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, kinds[""], "successful admissions")
	assert.Equal(t, attempts-limit, kinds[apperror.KindCapacityExceeded])
	assert.Equal(t, limit, approvedCount(t, store, e.ID))
}

func TestRegister_ConcurrentDuplicatesAdmitOnce(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 100, models.ApprovalAuto)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	kinds := map[apperror.Kind]int{}
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), e.ID, RegisterInput{Name: "Same Person", Email: "same@example.com"})
			mu.Lock()
			kinds[apperror.KindOf(err)]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, kinds[""])
	assert.Equal(t, attempts-1, kinds[apperror.KindDuplicateRegistration])

	list, err := store.ListByEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegister_RaceForLastSlot(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 2, models.ApprovalAuto)
	register(t, svc, e.ID, "early@example.com")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Register(context.Background(), e.ID, RegisterInput{
				Name:  "Racer",
				Email: fmt.Sprintf("racer%d@example.com", n),
			})
		}(i)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch apperror.KindOf(err) {
		case "":
			ok++
		case apperror.KindCapacityExceeded:
			full++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 2, approvedCount(t, store, e.ID))
}

func TestRegister_RegeneratesCollidingTicketCode(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 10, models.ApprovalAuto)

	codes := []string{"AAAAAAAAAA", "AAAAAAAAAA", "BBBBBBBBBB"}
	var mu sync.Mutex
	svc.newCode = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first := register(t, svc, e.ID, "a@example.com")
	second := register(t, svc, e.ID, "b@example.com")
	assert.Equal(t, "AAAAAAAAAA", first.TicketCode)
	assert.Equal(t, "BBBBBBBBBB", second.TicketCode)
}

func TestRegister_SideEffectsOnApproval(t *testing.T) {
	svc, store := newTestService(t)
	pub, enq := &fakePublisher{}, &fakeEnqueuer{}
	svc.SetPublisher(pub)
	svc.SetEnqueuer(enq)

	auto := seedEvent(t, store, 3, models.ApprovalAuto)
	reg := register(t, svc, auto.ID, "a@example.com")

	a, n := pub.last()
	require.Equal(t, 1, n)
	assert.Equal(t, auto.ID, a.EventID)
	assert.Equal(t, 2, a.AvailableTickets)
	assert.False(t, a.IsSoldOut)
	require.Equal(t, 1, enq.count())
	assert.Equal(t, reg.TicketCode, enq.jobs[0].TicketCode)

	manual := seedEvent(t, store, 3, models.ApprovalManual)
	register(t, svc, manual.ID, "b@example.com")
	_, n = pub.last()
	assert.Equal(t, 1, n, "pending registrations do not change availability")
	assert.Equal(t, 1, enq.count())
}

func TestDecide_ManualApprovalFlow(t *testing.T) {
	svc, store := newTestService(t)
	enq := &fakeEnqueuer{}
	svc.SetEnqueuer(enq)
	e := seedEvent(t, store, 5, models.ApprovalManual)
	reg := register(t, svc, e.ID, "ada@example.com")

	got, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Equal(t, reg.TicketCode, got.TicketCode)
	assert.Equal(t, 1, approvedCount(t, store, e.ID))
	assert.Equal(t, 1, enq.count())

	again, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, again.Status)
	assert.Equal(t, 1, approvedCount(t, store, e.ID))
	assert.Equal(t, 1, enq.count(), "re-approval does not reissue the ticket pass")
}

func TestDecide_ApprovalOverCapacityKeepsPending(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 1, models.ApprovalManual)
	first := register(t, svc, e.ID, "first@example.com")
	second := register(t, svc, e.ID, "second@example.com")

	_, err := svc.Decide(context.Background(), first.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), second.ID, e.OrganizerID, models.StatusApproved)
	assert.Equal(t, apperror.KindCapacityExceeded, apperror.KindOf(err))

	got, err := store.GetRegistration(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, approvedCount(t, store, e.ID))
}

func TestDecide_ConcurrentApprovalsRespectLimit(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 3, models.ApprovalManual)
	var regs []*models.Registration
	for i := 0; i < 10; i++ {
		regs = append(regs, register(t, svc, e.ID, fmt.Sprintf("p%d@example.com", i)))
	}

	var wg sync.WaitGroup
	for _, r := range regs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, _ = svc.Decide(context.Background(), id, e.OrganizerID, models.StatusApproved)
		}(r.ID)
	}
	wg.Wait()

	assert.Equal(t, 3, approvedCount(t, store, e.ID))
}

func TestDecide_RejectionIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 5, models.ApprovalManual)
	reg := register(t, svc, e.ID, "ada@example.com")

	for i := 0; i < 2; i++ {
		got, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusRejected)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, got.Status)
	}
	counts, err := store.CountByStatus(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Rejected: 1, Total: 1}, counts)
}

func TestDecide_RejectingApprovedFreesSlot(t *testing.T) {
	svc, store := newTestService(t)
	pub := &fakePublisher{}
	svc.SetPublisher(pub)
	e := seedEvent(t, store, 1, models.ApprovalAuto)
	reg := register(t, svc, e.ID, "a@example.com")

	a, _ := pub.last()
	assert.True(t, a.IsSoldOut)

	_, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusRejected)
	require.NoError(t, err)
	a, n := pub.last()
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.AvailableTickets)

	register(t, svc, e.ID, "b@example.com")
}

// staleReads serves registrations as they were before a concurrent decision
// committed.
type staleReads struct {
	*ledger.SQLite
	status models.RegistrationStatus
}

func (s *staleReads) GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	reg, err := s.SQLite.GetRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	reg.Status = s.status
	return reg, nil
}

func TestDecide_UsesStatusSeenUnderLock(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 1, models.ApprovalManual)
	reg := register(t, svc, e.ID, "a@example.com")

	// Approved by another organizer session after this call read the row.
	_, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)

	racing := NewService(&staleReads{SQLite: store, status: models.StatusPending}, nil)
	pub := &fakePublisher{}
	racing.SetPublisher(pub)

	updated, err := racing.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, updated.Status)

	a, n := pub.last()
	require.Equal(t, 1, n, "freed slot is published")
	assert.Equal(t, 1, a.AvailableTickets)
	assert.False(t, a.IsSoldOut)
}

func TestTranslate_LedgerErrors(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.translate(fmt.Errorf("insert: %w", ledger.ErrDuplicateEmail), "register")
	assert.Equal(t, apperror.KindDuplicateRegistration, apperror.KindOf(err))

	err = svc.translate(fmt.Errorf("%w: commit: deadlock", ledger.ErrUnavailable), "register")
	assert.Equal(t, apperror.KindStorageUnavailable, apperror.KindOf(err))
	assert.True(t, apperror.Retryable(err))

	err = svc.translate(ledger.ErrNotFound, "register")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestDecide_Errors(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 5, models.ApprovalManual)
	reg := register(t, svc, e.ID, "ada@example.com")

	_, err := svc.Decide(context.Background(), reg.ID, e.OrganizerID, models.StatusPending)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = svc.Decide(context.Background(), uuid.New(), e.OrganizerID, models.StatusApproved)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	_, err = svc.Decide(context.Background(), reg.ID, uuid.New(), models.StatusApproved)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	got, err := store.GetRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestPublicEvent(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 2, models.ApprovalAuto)

	pe, err := svc.PublicEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pe.AvailableTickets)
	assert.False(t, pe.IsSoldOut)

	register(t, svc, e.ID, "a@example.com")
	register(t, svc, e.ID, "b@example.com")
	pe, err = svc.PublicEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pe.AvailableTickets)
	assert.True(t, pe.IsSoldOut)

	_, err = svc.PublicEvent(context.Background(), uuid.New())
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	svc.now = func() time.Time { return e.Date.Add(time.Hour) }
	_, err = svc.PublicEvent(context.Background(), e.ID)
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))
}

func TestListForOrganizer(t *testing.T) {
	svc, store := newTestService(t)
	e := seedEvent(t, store, 5, models.ApprovalManual)
	first := register(t, svc, e.ID, "a@example.com")
	second := register(t, svc, e.ID, "b@example.com")
	third := register(t, svc, e.ID, "c@example.com")
	_, err := svc.Decide(context.Background(), first.ID, e.OrganizerID, models.StatusApproved)
	require.NoError(t, err)
	_, err = svc.Decide(context.Background(), second.ID, e.OrganizerID, models.StatusRejected)
	require.NoError(t, err)

	list, err := svc.ListForOrganizer(context.Background(), e.ID, e.OrganizerID)
	require.NoError(t, err)
	require.Len(t, list.Registrations, 3)
	assert.Equal(t, third.ID, list.Registrations[0].ID)
	assert.Equal(t, first.ID, list.Registrations[2].ID)
	assert.Equal(t, models.StatusCounts{Pending: 1, Approved: 1, Rejected: 1, Total: 3}, list.Stats)

	_, err = svc.ListForOrganizer(context.Background(), e.ID, uuid.New())
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	_, err = svc.ListForOrganizer(context.Background(), uuid.New(), e.OrganizerID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}
