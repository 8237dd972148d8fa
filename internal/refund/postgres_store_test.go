//go:build integration

package refund

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refunddesk/internal/bizhours"
	"github.com/mbd888/refunddesk/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_CreateGetHistory(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := seedRequest("rr_pg1", "ord-1", StatusPending, monday)
	require.NoError(t, store.Create(ctx, r, createTransition(r)))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.OrderID, got.OrderID)
	assert.Equal(t, "10.00", got.Amount)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.SellerComment)
	assert.True(t, got.CreatedAt.Equal(monday))

	active, err := store.GetActiveByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)

	dup := seedRequest("rr_pg2", "ord-1", StatusPending, monday)
	assert.ErrorIs(t, store.Create(ctx, dup, createTransition(dup)), ErrAlreadyActive)

	history, err := store.History(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, EventCreate, history[0].Event)
	assert.Equal(t, Status(""), history[0].From)

	_, err = store.Get(ctx, "rr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_CreateWithLongBuyerEmail(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	email := strings.Repeat("a", 58) + "@example.com"
	require.Len(t, email, 70)

	completed := monday.Add(-time.Hour)
	orders := &fakeOrders{orders: make(map[string]*Order)}
	orders.put(&Order{
		ID: "ord-long", Status: OrderStatusCompleted, Amount: "25.00", Currency: "EUR",
		CompletedAt: &completed, SellerID: sellerID, BuyerEmail: email, ProductID: "prod-1",
	})
	rules := NewEligibility(bizhours.NewCalendar(time.UTC), 0, 0)
	svc := NewService(store, orders, newFakeLedger(), rules).WithClock(func() time.Time { return monday })

	long := Actor{ID: "buyer-long", Role: RoleBuyer, Email: email}
	r, err := svc.Create(ctx, long, CreateInput{OrderID: "ord-long", Reason: "never arrived"})
	require.NoError(t, err)
	assert.Equal(t, email, r.BuyerEmail)

	history, err := svc.History(ctx, r.ID, long)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "buyer-long", history[0].ActorID)

	// Actor IDs up to the email column width are accepted as-is.
	next := r.Clone()
	next.Status = StatusCancelled
	next.Version = 2
	tr := &Transition{RequestID: r.ID, Event: EventCancel, From: StatusPending, To: StatusCancelled, ActorID: email, ActorRole: RoleSystem, Comment: "x", At: monday}
	require.NoError(t, store.CompareAndSwap(ctx, StatusPending, 1, next, tr))
}

func TestPostgres_CompareAndSwap(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := seedRequest("rr_pg1", "ord-1", StatusPending, monday)
	require.NoError(t, store.Create(ctx, r, createTransition(r)))

	comment := "delivered"
	next := r.Clone()
	next.Status = StatusRejectedBySeller
	next.SellerComment = &comment
	next.Version = 2
	next.UpdatedAt = monday.Add(time.Hour)
	tr := &Transition{RequestID: r.ID, Event: EventSellerReject, From: StatusPending, To: StatusRejectedBySeller, ActorID: sellerID, ActorRole: RoleSeller, Comment: comment, At: next.UpdatedAt}

	assert.ErrorIs(t, store.CompareAndSwap(ctx, StatusPending, 5, next, tr), ErrConcurrentModification)
	require.NoError(t, store.CompareAndSwap(ctx, StatusPending, 1, next, tr))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, StatusPending, 1, next, tr), ErrConcurrentModification)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejectedBySeller, got.Status)
	require.NotNil(t, got.SellerComment)
	assert.Equal(t, comment, *got.SellerComment)
	assert.Equal(t, int64(2), got.Version)

	// rejected_by_seller still holds the order.
	_, err = store.GetActiveByOrder(ctx, "ord-1")
	assert.NoError(t, err)

	missing := seedRequest("rr_missing", "ord-9", StatusPending, monday)
	assert.ErrorIs(t, store.CompareAndSwap(ctx, StatusPending, 1, missing, tr), ErrNotFound)
}

func TestPostgres_ConcurrentSwapsOneWinner(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := seedRequest("rr_pg1", "ord-1", StatusPending, monday)
	require.NoError(t, store.Create(ctx, r, createTransition(r)))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := r.Clone()
			next.Status = StatusApprovedByAdmin
			next.Version = 2
			next.Debited = true
			tr := &Transition{RequestID: r.ID, Event: EventAdminApprove, From: StatusPending, To: StatusApprovedByAdmin, ActorID: fmt.Sprintf("admin-%d", i), ActorRole: RoleAdmin, At: monday}
			errs[i] = store.CompareAndSwap(ctx, StatusPending, 1, next, tr)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrentModification)
	}
	assert.Equal(t, 1, won)

	history, err := store.History(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPostgres_ListsAndEscalation(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r := seedRequest(fmt.Sprintf("rr_pg%d", i), fmt.Sprintf("ord-%d", i), StatusPending, monday.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.Create(ctx, r, createTransition(r)))
	}

	rows, err := store.ListBySeller(ctx, sellerID, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 3, "limit+1 rows are returned")
	assert.Equal(t, "rr_pg3", rows[0].ID)

	rows, err = store.ListByBuyer(ctx, "ANA@EXAMPLE.COM", ListOptions{Limit: 10, BeforeTime: rows[1].CreatedAt, BeforeID: rows[1].ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "rr_pg1", rows[0].ID)

	now := monday.Add(48*time.Hour + 90*time.Minute)
	lapsed, err := store.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 2)
	assert.Equal(t, "rr_pg0", lapsed[0].ID)

	ok, err := store.MarkEscalated(ctx, "rr_pg0", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkEscalated(ctx, "rr_pg0", now)
	require.NoError(t, err)
	assert.False(t, ok)

	escalated, err := store.ListEscalated(ctx, now, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, escalated, 2)

	got, err := store.Get(ctx, "rr_pg0")
	require.NoError(t, err)
	require.NotNil(t, got.EscalatedAt)
}
