// SnapTrace Go Agent Test Application
//
// Exercises breakpoint snapshots, remote enable/disable, redaction and
// exception capture against a local backend.
//
// Usage:
//
//	SNAPTRACE_API_KEY=test-key-123 \
//	SNAPTRACE_BACKEND_URL=ws://localhost:19999/ws/agent \
//	SNAPTRACE_CONTROL_PLANE_URL=http://localhost:19999 \
//	SNAPTRACE_DEBUG=true go run ./cmd/testapp/
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snaptrace/agent-go/pkg/agent"
)

// Order is a helper struct to test object capture and redaction.
type Order struct {
	ID         string
	Total      float64
	CardNumber string
}

func main() {
	fmt.Println("===========================================")
	fmt.Println("SnapTrace Go Agent Test Application")
	fmt.Println("===========================================")

	agent.Init(
		agent.WithDebug(true),
		agent.WithPollInterval(5*time.Second),
	)
	defer agent.Shutdown()

	agent.SetUser("test-user-001", "tester@example.com", "tester")
	agent.SetContext(map[string]any{"deployment": "local"})

	// Pull breakpoint state immediately instead of waiting for the first
	// tick, so enabling a breakpoint in the dashboard takes effect now.
	if err := agent.PollNow(context.Background()); err != nil {
		fmt.Printf("initial poll failed (will retry on the timer): %v\n", err)
	}

	fmt.Println("Hitting breakpoints... enable them in the dashboard to see snapshots.")
	fmt.Println()

	for i := 0; i < 5; i++ {
		fmt.Printf("--- Iteration %d ---\n", i+1)
		processCheckout(i)
		time.Sleep(3 * time.Second)
	}

	// Manual error capture with a sensitive context bag: the password
	// must arrive redacted.
	fmt.Println("--- Manual Error Capture Test ---")
	err := fmt.Errorf("charge declined: %w", errors.New("insufficient funds"))
	agent.CaptureError(err, map[string]any{
		"order_id": "order-42",
		"password": "hunter2",
	})
	fmt.Printf("Captured error: %v\n", err)

	// Panic capture: CapturePanic re-panics, the outer recover keeps the
	// demo alive. Defers run in LIFO order, so the recover handler must
	// be deferred before CapturePanic.
	fmt.Println("--- Panic Capture Test ---")
	func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("Recovered from panic: %v\n", r)
			}
		}()
		defer agent.CapturePanic()
		var m map[string]int
		m["key"] = 1 // panic: assignment to entry in nil map
	}()

	fmt.Println()
	fmt.Println("Test complete. Check the dashboard for snapshots and exceptions.")

	// Keep running briefly to allow queued records to flush.
	time.Sleep(2 * time.Second)
}

func processCheckout(iteration int) {
	order := Order{
		ID:         fmt.Sprintf("order-%d", iteration),
		Total:      19.99 * float64(iteration+1),
		CardNumber: "4532015112830366",
	}
	items := []string{"apple", "banana", "cherry"}

	produced := agent.Snapshot("checkout-start", map[string]any{
		"order":    order,
		"items":    items,
		"api_key":  "sk-demo-should-be-redacted",
		"attempt":  iteration,
		"discount": iteration%2 == 0,
	}, map[string]any{
		"request_id": fmt.Sprintf("req-%d", iteration),
		"path":       "/checkout",
	})

	if produced {
		fmt.Println("snapshot captured at checkout-start")
	} else {
		fmt.Println("checkout-start inactive (disabled, exhausted or expired)")
	}
}
