package constitutional_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/constitutional"
	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

func newTestEnforcer(t *testing.T) (*constitutional.Enforcer, *receipts.Store) {
	t.Helper()
	store, err := receipts.New(filepath.Join(t.TempDir(), "receipts.jsonl"))
	require.NoError(t, err)
	e, err := constitutional.New(store)
	require.NoError(t, err)
	return e, store
}

func TestCheckPreConditions_PassesWithNoInvariants(t *testing.T) {
	e, _ := newTestEnforcer(t)
	result := e.CheckPreConditions(context.Background(), contracts.Intent{}, contracts.Synthesis{}, map[string]interface{}{})
	assert.True(t, result.Allowed)
	assert.Empty(t, result.FailedChecks)
}

func TestRegister_RequiresExpressionOrPredicate(t *testing.T) {
	e, _ := newTestEnforcer(t)
	err := e.Register(constitutional.Invariant{ID: "empty", Phase: constitutional.PhasePre, Severity: constitutional.SeverityLow})
	assert.Error(t, err)
}

func TestCheck_CriticalFailureShortCircuitsLowerPrecedence(t *testing.T) {
	e, _ := newTestEnforcer(t)

	var secondRan bool
	require.NoError(t, e.Register(constitutional.Invariant{
		ID: "first_critical", Phase: constitutional.PhasePre, Severity: constitutional.SeverityCritical, Precedence: 1,
		Predicate: func(context.Context, map[string]interface{}) (bool, string, error) {
			return false, "first fails", nil
		},
	}))
	require.NoError(t, e.Register(constitutional.Invariant{
		ID: "second_critical", Phase: constitutional.PhasePre, Severity: constitutional.SeverityCritical, Precedence: 2,
		Predicate: func(context.Context, map[string]interface{}) (bool, string, error) {
			secondRan = true
			return false, "second fails", nil
		},
	}))

	result := e.CheckPreConditions(context.Background(), contracts.Intent{}, contracts.Synthesis{}, map[string]interface{}{})
	assert.False(t, result.Allowed)
	assert.Equal(t, "first_critical", result.BlockingInvariant)
	assert.Equal(t, "first fails", result.BlockingReason)
	assert.False(t, secondRan, "lower-precedence invariant must not run once a critical block is found")
}

func TestCheck_HighFailureWarnsButDoesNotBlock(t *testing.T) {
	e, _ := newTestEnforcer(t)
	require.NoError(t, e.Register(constitutional.Invariant{
		ID: "high_warn", Phase: constitutional.PhasePre, Severity: constitutional.SeverityHigh, Precedence: 1,
		Predicate: func(context.Context, map[string]interface{}) (bool, string, error) {
			return false, "soft failure", nil
		},
	}))

	result := e.CheckPreConditions(context.Background(), contracts.Intent{}, contracts.Synthesis{}, map[string]interface{}{})
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "soft failure")
}

func TestResolveConflict_PrecedenceWins(t *testing.T) {
	a := constitutional.Invariant{ID: "a", Precedence: 1, Severity: constitutional.SeverityLow}
	b := constitutional.Invariant{ID: "b", Precedence: 2, Severity: constitutional.SeverityCritical}
	assert.Equal(t, "a", constitutional.ResolveConflict(a, b).ID)
}

func TestResolveConflict_SeverityBreaksPrecedenceTie(t *testing.T) {
	a := constitutional.Invariant{ID: "a", Precedence: 1, Severity: constitutional.SeverityLow}
	b := constitutional.Invariant{ID: "b", Precedence: 1, Severity: constitutional.SeverityCritical}
	assert.Equal(t, "b", constitutional.ResolveConflict(a, b).ID)
}

func TestResolveConflict_StableIDBreaksFullTie(t *testing.T) {
	a := constitutional.Invariant{ID: "a", Precedence: 1, Severity: constitutional.SeverityHigh}
	b := constitutional.Invariant{ID: "z", Precedence: 1, Severity: constitutional.SeverityHigh}
	assert.Equal(t, "a", constitutional.ResolveConflict(a, b).ID)
	assert.Equal(t, "a", constitutional.ResolveConflict(b, a).ID)
}

func TestStandardInvariants_TriTemporalBlocksFutureReferencedReceipt(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	now := time.Now()
	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"timestamp": float64(now.Unix()),
		"referenced_receipts": []interface{}{
			map[string]interface{}{"timestamp": float64(now.Add(time.Hour).Unix())},
		},
	}, map[string]interface{}{})

	assert.False(t, result.Allowed)
	assert.Equal(t, "tri_temporal", result.BlockingInvariant)
}

func TestStandardInvariants_DignityFloorBlocksLowConfidenceHighStakes(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"world_impact": map[string]interface{}{"category": "high_stakes"},
		"validation":   map[string]interface{}{"confidence": 0.4},
	}, map[string]interface{}{})

	assert.False(t, result.Allowed)
	assert.Equal(t, "dignity_floor", result.BlockingInvariant)
}

func TestStandardInvariants_DignityFloorBlocksUnacknowledgedReview(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"world_impact": map[string]interface{}{"category": "high_stakes"},
		"validation":   map[string]interface{}{"confidence": 0.9, "suggested_review": true},
	}, map[string]interface{}{})

	assert.False(t, result.Allowed)
	assert.Equal(t, "dignity_floor", result.BlockingInvariant)
}

func TestStandardInvariants_DignityFloorPassesWhenReviewAcknowledged(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"world_impact":        map[string]interface{}{"category": "high_stakes"},
		"validation":          map[string]interface{}{"confidence": 0.9, "suggested_review": true},
		"review_acknowledged": true,
	}, map[string]interface{}{})

	assert.True(t, result.Allowed)
}

func TestStandardInvariants_ReceiptContinuityRequiresKnownReceipt(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"referenced_receipt_ids": []interface{}{"does-not-exist"},
	}, map[string]interface{}{})

	require.Contains(t, result.FailedChecks, "receipt_continuity")
}

func TestStandardInvariants_ReceiptContinuityPassesForKnownReceipt(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	appended, err := store.Append(context.Background(), contracts.Receipt{
		ReceiptID: "known-1",
		Timestamp: time.Now(),
		Kind:      contracts.ReceiptKindConstitutionalPass,
		Payload:   map[string]interface{}{},
	})
	require.NoError(t, err)

	result := e.CheckPostConditions(context.Background(), map[string]interface{}{
		"referenced_receipt_ids": []interface{}{appended.Receipt.ReceiptID},
	}, map[string]interface{}{})

	assert.NotContains(t, result.FailedChecks, "receipt_continuity")
}

func TestStandardInvariants_TreatyComplianceBlocksActionOutsidePermittedSet(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	synthesis := contracts.Synthesis{Treaty: &contracts.Treaty{
		Parties:          []string{"alpha", "beta"},
		PermittedActions: []string{"solve", "verify"},
	}}
	intent := contracts.Intent{Domain: "deploy_production"}

	result := e.CheckPreConditions(context.Background(), intent, synthesis, map[string]interface{}{})
	assert.False(t, result.Allowed)
	assert.Equal(t, "treaty_compliance", result.BlockingInvariant)
}

func TestStandardInvariants_TreatyCompliancePassesWithoutTreaty(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, constitutional.RegisterStandardInvariants(e, store))

	result := e.CheckPreConditions(context.Background(), contracts.Intent{}, contracts.Synthesis{}, map[string]interface{}{})
	assert.True(t, result.Allowed)
}
