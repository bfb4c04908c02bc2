//go:build stress

package stress

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDoubleDip hammers the admission endpoint with one user sending
// 100 concurrent requests for the same product: single-flight must
// hold, one 202 and 99 409s, one ACTIVE row.
func TestDoubleDip(t *testing.T) {
	cleanupState(t)

	const (
		productID          = "DOUBLE_DIP_TEST"
		concurrentRequests = 100
	)

	createTestProduct(t, productID, 50)

	var wg sync.WaitGroup
	results := make(chan int, concurrentRequests)

	for i := 0; i < concurrentRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := postJSON(formatURL("/slots/acquire"), map[string]string{
				"productId": productID,
				"userId":    "greedy_user",
			})
			if err != nil {
				results <- 0
				return
			}
			defer resp.Body.Close()
			results <- resp.StatusCode
		}()
	}

	wg.Wait()
	close(results)

	var admitted, duplicates, other int
	for code := range results {
		switch code {
		case http.StatusAccepted:
			admitted++
		case http.StatusConflict:
			duplicates++
		default:
			other++
			t.Logf("Unexpected status code: %d", code)
		}
	}

	assert.Equal(t, 1, admitted, "Exactly one admission per user per product")
	assert.Equal(t, concurrentRequests-1, duplicates, "Every other attempt is a duplicate")
	assert.Equal(t, 0, other)

	var activeRows int
	require.NoError(t, testPool.QueryRow(t.Context(),
		"SELECT COUNT(*) FROM purchase_slots WHERE product_id = $1 AND user_id = 'greedy_user' AND status = 'ACTIVE'",
		productID).Scan(&activeRows))
	assert.Equal(t, 1, activeRows, "Exactly one ACTIVE slot row")

	remaining, err := testRedis.Get(t.Context(), "stock:"+productID).Int()
	require.NoError(t, err)
	assert.Equal(t, 49, remaining, "Only one unit of stock consumed")
}
