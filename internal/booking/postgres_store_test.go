package booking

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/testutil"
	"github.com/homelease/rentcore/internal/txn"
)

func TestPostgresService_LifecycleAndOverdue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	clk := &clock{t: time.Now().UTC().Truncate(time.Microsecond)}
	settler := &fakeSettler{refunded: decimal.Zero}
	s := NewService(NewPostgresStore(db), txn.NewSQLRunner(db, nil), settler, DefaultConfig(), nil).WithClock(clk.now)
	ctx := context.Background()

	b := advanceTo(t, s, StatusAwaitingDeposit)
	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingDeposit, got.Status)
	require.NotNil(t, got.EscrowDepositDueAt)
	assert.True(t, got.EscrowDepositDueAt.Equal(*b.EscrowDepositDueAt))
	assert.Equal(t, "contract-"+b.ID, got.ContractID)
	assert.True(t, got.DepositAmount.Equal(decimal.NewFromInt(20_000_000)))

	overdue, err := s.ListOverdue(ctx, clk.t.Add(73*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, b.ID, overdue[0].ID)

	clk.t = clk.t.Add(73 * time.Hour)
	res, err := s.Cancel(ctx, b.ID, SystemActor, ReasonDepositOverdue)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Booking.Status)

	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonDepositOverdue, got.CancelReason)
	assert.NotNil(t, got.CancelledAt)
	assert.NotNil(t, got.TenantSignedAt, "milestones survive later updates")

	events, err := s.Events(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.Equal(t, ActionCancel, events[5].Action)

	page, err := s.ListByParty(ctx, "landlord", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}

func TestPostgresService_Extensions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	clk := &clock{t: time.Now().UTC().Truncate(time.Microsecond)}
	s := NewService(NewPostgresStore(db), txn.NewSQLRunner(db, nil), &fakeSettler{}, DefaultConfig(), nil).WithClock(clk.now)
	ctx := context.Background()

	b := advanceTo(t, s, StatusActive)
	ext, err := s.RequestExtension(ctx, b.ID, tenant, 2)
	require.NoError(t, err)

	overdue, err := s.ListOverdueExtensions(ctx, clk.t.Add(100*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	paid, err := s.PayExtension(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, ExtensionPaid, paid.Status)

	overdue, err = s.ListOverdueExtensions(ctx, clk.t.Add(100*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	_, err = s.GetExtension(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrExtensionNotFound)
}
