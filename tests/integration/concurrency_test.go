//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotforge/admission-engine/internal/service"
)

// TestConcurrentAdmissionLastUnit races two users with identical
// arrival timestamps for the last unit of stock: exactly one is
// admitted, the other is turned away, and the committed count never
// exceeds one.
func TestConcurrentAdmissionLastUnit(t *testing.T) {
	cleanup(t)
	e := newEngine(t)
	createProduct(t, e, "p-last", 1)

	ctx := context.Background()
	arrival := time.Now()

	var wg sync.WaitGroup
	outcomes := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := e.admission.AcquireSlot(ctx, "p-last", user, arrival, "trace-"+user)
			outcomes <- err
		}(fmt.Sprintf("user_%d", i))
	}
	wg.Wait()
	close(outcomes)

	var admitted, soldOut, other int
	for err := range outcomes {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, service.ErrSoldOut):
			soldOut++
		default:
			other++
			t.Logf("Unexpected outcome: %v", err)
		}
	}

	assert.Equal(t, 1, admitted, "exactly one admission for the last unit")
	assert.Equal(t, 1, soldOut, "exactly one rejection")
	assert.Equal(t, 0, other)

	var committed int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM purchase_slots WHERE product_id = 'p-last' AND status IN ('ACTIVE', 'COMPLETED')").Scan(&committed))
	assert.Equal(t, 1, committed, "committed slots must never exceed initial stock")
}

// TestConcurrentAdmissionSameUser races one user against themselves:
// at most one live slot per (user, product), the rest are duplicates.
func TestConcurrentAdmissionSameUser(t *testing.T) {
	cleanup(t)
	e := newEngine(t)
	createProduct(t, e, "p-dup", 5)

	ctx := context.Background()
	const attempts = 10

	var wg sync.WaitGroup
	outcomes := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.admission.AcquireSlot(ctx, "p-dup", "greedy", time.Now(), fmt.Sprintf("trace-%d", n))
			outcomes <- err
		}(i)
	}
	wg.Wait()
	close(outcomes)

	var admitted, duplicates int
	for err := range outcomes {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, service.ErrDuplicateSlot):
			duplicates++
		default:
			t.Errorf("Unexpected outcome: %v", err)
		}
	}

	assert.Equal(t, 1, admitted, "exactly one live slot per user per product")
	assert.Equal(t, attempts-1, duplicates)

	var active int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM purchase_slots WHERE product_id = 'p-dup' AND user_id = 'greedy' AND status = 'ACTIVE'").Scan(&active))
	assert.Equal(t, 1, active)
}

// TestConcurrentPaymentAndReclaim races the payment confirmer against
// the reclaim loop over an expired-deadline slot: whichever transition
// commits first wins and the slot lands in exactly one terminal state.
func TestConcurrentPaymentAndReclaim(t *testing.T) {
	cleanup(t)
	e := newEngine(t)
	createProduct(t, e, "p-race", 1)

	ctx := context.Background()
	acquired, err := e.admission.AcquireSlot(ctx, "p-race", "u1", time.Now(), "trace-1")
	require.NoError(t, err)
	expireSlotNow(t, acquired.Slot.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = e.reclaim.ReclaimExpired(ctx)
	}()
	go func() {
		defer wg.Done()
		_, _ = e.payments.ConfirmPayment(ctx, callbackFor(acquired.Slot, "K-race", "SUCCESS", ""))
	}()
	wg.Wait()

	status := slotStatusFromDB(t, acquired.Slot.ID)
	assert.Contains(t, []string{"EXPIRED", "COMPLETED"}, status,
		"the slot must land in exactly one terminal state, observed %s", status)
}
