package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// edges is the expected transition graph, written out independently of Next.
var edges = map[Status]map[Action]Status{
	StatusPendingLandlord: {
		ActionApprove: StatusPendingSignature,
		ActionReject:  StatusRejected,
		ActionCancel:  StatusCancelled,
	},
	StatusPendingSignature: {
		ActionSignTenant:   StatusPendingSignature,
		ActionSignLandlord: StatusSigned,
		ActionCancel:       StatusCancelled,
	},
	StatusSigned: {
		ActionRequestFunding: StatusAwaitingDeposit,
		ActionCancel:         StatusCancelled,
	},
	StatusAwaitingDeposit: {
		ActionFundTenant:   StatusEscrowFundedT,
		ActionFundLandlord: StatusEscrowFundedL,
		ActionCancel:       StatusCancelled,
	},
	StatusEscrowFundedT: {
		ActionFundLandlord: StatusDualEscrowFunded,
		ActionCancel:       StatusCancelled,
	},
	StatusEscrowFundedL: {
		ActionFundTenant: StatusDualEscrowFunded,
		ActionCancel:     StatusCancelled,
	},
	StatusDualEscrowFunded: {
		ActionAdvance: StatusAwaitingFirstRent,
		ActionCancel:  StatusCancelled,
	},
	StatusAwaitingFirstRent: {
		ActionPayFirstRent: StatusReadyForHandover,
		ActionCancel:       StatusCancelled,
	},
	StatusReadyForHandover: {
		ActionHandover: StatusActive,
		ActionCancel:   StatusCancelled,
	},
	StatusActive: {
		ActionStartSettlement: StatusSettlementPending,
		ActionCancel:          StatusCancelled,
	},
	StatusSettlementPending: {
		ActionCloseSettled: StatusSettled,
		ActionCancel:       StatusCancelled,
	},
}

func TestNext_Closure(t *testing.T) {
	for _, from := range AllStatuses {
		for _, action := range AllActions {
			to, err := Next(from, action)
			want, ok := edges[from][action]
			if ok {
				require.NoError(t, err, "%s --%s-->", from, action)
				assert.Equal(t, want, to, "%s --%s-->", from, action)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s --%s--> must be rejected", from, action)
			assert.Empty(t, to)
		}
	}
}

func TestNext_TerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusSettled, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		for _, a := range AllActions {
			_, err := Next(s, a)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestNext_UnknownInputs(t *testing.T) {
	_, err := Next("BOGUS", ActionApprove)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Next(StatusPendingLandlord, "teleport")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Next(StatusPendingLandlord, ActionCreate)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOverdueAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		b      Booking
		reason CancelReason
		due    bool
	}{
		{"deposit due passed", Booking{Status: StatusAwaitingDeposit, EscrowDepositDueAt: &past}, ReasonDepositOverdue, true},
		{"half funded still overdue", Booking{Status: StatusEscrowFundedT, EscrowDepositDueAt: &past}, ReasonDepositOverdue, true},
		{"deposit not yet due", Booking{Status: StatusAwaitingDeposit, EscrowDepositDueAt: &future}, "", false},
		{"first rent passed", Booking{Status: StatusAwaitingFirstRent, FirstRentDueAt: &past}, ReasonFirstRentOverdue, true},
		{"funded booking ignores deposit due", Booking{Status: StatusAwaitingFirstRent, EscrowDepositDueAt: &past, FirstRentDueAt: &future}, "", false},
		{"active never overdue", Booking{Status: StatusActive, FirstRentDueAt: &past}, "", false},
		{"exactly at due is not overdue", Booking{Status: StatusAwaitingDeposit, EscrowDepositDueAt: &now}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, due := tt.b.OverdueAt(now)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestIsParty(t *testing.T) {
	b := &Booking{TenantID: "t", LandlordID: "l"}
	assert.True(t, b.IsParty("t"))
	assert.True(t, b.IsParty("l"))
	assert.False(t, b.IsParty("x"))
	assert.False(t, b.IsParty(""))
}
