package callqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bjtu-hospital/outpatient-scheduling/internal/callqueue"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/notify"
	redisclient "github.com/bjtu-hospital/outpatient-scheduling/internal/redis"
	"github.com/bjtu-hospital/outpatient-scheduling/internal/reservation"
)

// queueRepo is an in-memory stand-in for the call queue's repository slice,
// mirroring the single-caller and CAS semantics of the SQL implementation.
type queueRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*reservation.Order
	base   time.Time
	seq    int
}

func newQueueRepo() *queueRepo {
	return &queueRepo{
		orders: make(map[uuid.UUID]*reservation.Order),
		base:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

// addConfirmed seeds a confirmed, paid order ready to be called. Arrival
// order follows insertion order.
func (r *queueRepo) addConfirmed(scheduleID uuid.UUID, priority int) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := uuid.New()
	r.orders[id] = &reservation.Order{
		ID:            id,
		ScheduleID:    scheduleID,
		PatientID:     uuid.New(),
		Status:        reservation.StatusConfirmed,
		PaymentStatus: reservation.PaymentPaid,
		Priority:      priority,
		CreatedAt:     r.base.Add(time.Duration(r.seq) * time.Millisecond),
	}
	return id
}

func (r *queueRepo) order(id uuid.UUID) reservation.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

func (r *queueRepo) GetOrderByID(_ context.Context, id uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *queueRepo) NextCallable(_ context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *reservation.Order
	for _, o := range r.orders {
		if o.ScheduleID != scheduleID || o.Status != reservation.StatusConfirmed {
			continue
		}
		if best == nil || before(o, best) {
			best = o
		}
	}
	if best == nil {
		return nil, reservation.ErrOrderNotFound
	}
	cp := *best
	return &cp, nil
}

func before(a, b *reservation.Order) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.PassCount != b.PassCount {
		return a.PassCount < b.PassCount
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (r *queueRepo) CallingOrder(_ context.Context, scheduleID uuid.UUID) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ScheduleID == scheduleID && o.IsCalling {
			cp := *o
			return &cp, nil
		}
	}
	return nil, reservation.ErrOrderNotFound
}

func (r *queueRepo) MarkCalling(_ context.Context, id uuid.UUID, at time.Time) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if o.Status != reservation.StatusConfirmed || o.IsCalling {
		return nil, reservation.ErrStateConflict
	}
	for _, other := range r.orders {
		if other.ScheduleID == o.ScheduleID && other.IsCalling {
			return nil, reservation.ErrStateConflict
		}
	}
	o.IsCalling = true
	t := at
	o.CallTime = &t
	cp := *o
	return &cp, nil
}

func (r *queueRepo) ClearCalling(_ context.Context, id uuid.UUID, incrementPass bool) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if !o.IsCalling {
		return nil, reservation.ErrStateConflict
	}
	o.IsCalling = false
	if incrementPass {
		o.PassCount++
	}
	cp := *o
	return &cp, nil
}

func (r *queueRepo) UpdateOrderState(_ context.Context, id uuid.UUID, from, to reservation.StatePair, set reservation.StateSideEffects) (*reservation.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, reservation.ErrOrderNotFound
	}
	if o.Status != from.Status || o.PaymentStatus != from.Payment {
		return nil, reservation.ErrStateConflict
	}
	o.Status = to.Status
	o.PaymentStatus = to.Payment
	if set.ClearCall {
		o.IsCalling = false
	}
	cp := *o
	return &cp, nil
}

func (r *queueRepo) InsertEvent(_ context.Context, _ reservation.EventLog) error { return nil }

// noopLocker runs the critical section directly; queueRepo's mutex already
// serializes state.
type noopLocker struct{}

var _ redisclient.Locker = noopLocker{}

func (noopLocker) WithScheduleLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newQueueService(repo *queueRepo, passLimit int) *callqueue.Service {
	return callqueue.NewService(repo, noopLocker{}, notify.NopDispatcher{}, passLimit, zerolog.Nop())
}

func TestCallNextFollowsQueueOrder(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 3)
	ctx := context.Background()
	scheduleID := uuid.New()

	early := repo.addConfirmed(scheduleID, 0)
	late := repo.addConfirmed(scheduleID, 0)
	urgent := repo.addConfirmed(scheduleID, -1) // lower value calls first

	for i, want := range []uuid.UUID{urgent, early, late} {
		called, err := svc.CallNext(ctx, scheduleID)
		if err != nil {
			t.Fatalf("CallNext #%d: %v", i+1, err)
		}
		if called.ID != want {
			t.Fatalf("CallNext #%d returned wrong order", i+1)
		}
		if !called.IsCalling || called.CallTime == nil {
			t.Errorf("CallNext #%d did not mark the order as calling", i+1)
		}
		if _, err := svc.MarkComplete(ctx, called.ID); err != nil {
			t.Fatalf("MarkComplete #%d: %v", i+1, err)
		}
	}

	if _, err := svc.CallNext(ctx, scheduleID); !errors.Is(err, callqueue.ErrNothingToCall) {
		t.Errorf("empty queue err = %v, want ErrNothingToCall", err)
	}
}

func TestCallNextRejectsSecondCall(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 3)
	ctx := context.Background()
	scheduleID := uuid.New()

	repo.addConfirmed(scheduleID, 0)
	repo.addConfirmed(scheduleID, 0)

	if _, err := svc.CallNext(ctx, scheduleID); err != nil {
		t.Fatalf("first CallNext: %v", err)
	}
	if _, err := svc.CallNext(ctx, scheduleID); !errors.Is(err, callqueue.ErrCallInProgress) {
		t.Errorf("second CallNext err = %v, want ErrCallInProgress", err)
	}
}

func TestMarkPassRequeuesBehindPeers(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 3)
	ctx := context.Background()
	scheduleID := uuid.New()

	first := repo.addConfirmed(scheduleID, 0)
	second := repo.addConfirmed(scheduleID, 0)

	called, err := svc.CallNext(ctx, scheduleID)
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if called.ID != first {
		t.Fatal("expected the earlier arrival first")
	}

	passed, err := svc.MarkPass(ctx, first)
	if err != nil {
		t.Fatalf("MarkPass: %v", err)
	}
	if passed.PassCount != 1 || passed.IsCalling {
		t.Errorf("after pass: pass_count=%d is_calling=%v, want 1 false", passed.PassCount, passed.IsCalling)
	}

	// The passed order dropped behind its priority peer but stays eligible.
	called, err = svc.CallNext(ctx, scheduleID)
	if err != nil {
		t.Fatalf("CallNext after pass: %v", err)
	}
	if called.ID != second {
		t.Error("passed order was not requeued behind its peer")
	}
	if _, err := svc.MarkComplete(ctx, second); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	called, err = svc.CallNext(ctx, scheduleID)
	if err != nil {
		t.Fatalf("CallNext for passed order: %v", err)
	}
	if called.ID != first {
		t.Error("passed order never came back around")
	}
}

func TestMarkPassRequiresActiveCall(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 3)
	scheduleID := uuid.New()

	id := repo.addConfirmed(scheduleID, 0)
	if _, err := svc.MarkPass(context.Background(), id); !errors.Is(err, callqueue.ErrNotCalling) {
		t.Errorf("err = %v, want ErrNotCalling", err)
	}
}

func TestMarkCompleteSettlesOrder(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 3)
	ctx := context.Background()
	scheduleID := uuid.New()

	id := repo.addConfirmed(scheduleID, 0)
	if _, err := svc.CallNext(ctx, scheduleID); err != nil {
		t.Fatalf("CallNext: %v", err)
	}

	done, err := svc.MarkComplete(ctx, id)
	if err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if done.Status != reservation.StatusCompleted || done.IsCalling {
		t.Errorf("state = %s is_calling=%v, want completed false", done.Status, done.IsCalling)
	}

	if _, err := svc.MarkComplete(ctx, id); !errors.Is(err, reservation.ErrAlreadyProcessed) {
		t.Errorf("repeat MarkComplete err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestMarkNoShowGatedByPassLimit(t *testing.T) {
	repo := newQueueRepo()
	svc := newQueueService(repo, 2)
	ctx := context.Background()
	scheduleID := uuid.New()

	id := repo.addConfirmed(scheduleID, 0)

	// One pass is not enough with a limit of two.
	if _, err := svc.CallNext(ctx, scheduleID); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, err := svc.MarkPass(ctx, id); err != nil {
		t.Fatalf("MarkPass: %v", err)
	}
	if _, err := svc.MarkNoShow(ctx, id); !errors.Is(err, callqueue.ErrPassLimitNotReached) {
		t.Fatalf("premature MarkNoShow err = %v, want ErrPassLimitNotReached", err)
	}

	if _, err := svc.CallNext(ctx, scheduleID); err != nil {
		t.Fatalf("second CallNext: %v", err)
	}
	if _, err := svc.MarkPass(ctx, id); err != nil {
		t.Fatalf("second MarkPass: %v", err)
	}

	gone, err := svc.MarkNoShow(ctx, id)
	if err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}
	if gone.Status != reservation.StatusNoShow {
		t.Errorf("status = %s, want no_show", gone.Status)
	}

	if _, err := svc.MarkNoShow(ctx, id); !errors.Is(err, reservation.ErrAlreadyProcessed) {
		t.Errorf("repeat MarkNoShow err = %v, want ErrAlreadyProcessed", err)
	}
}
