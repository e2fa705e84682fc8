package coordinator

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

func TestHistoryKeyFormat(t *testing.T) {
	got := historyKey(42)
	want := "/maroon/history/42"
	if got != want {
		t.Fatalf("historyKey(42) = %q, want %q", got, want)
	}
}

func mustInterval(t *testing.T, start, end uint64) blob.ClosedInterval {
	t.Helper()
	iv, err := blob.NewClosedInterval(blob.ID(start), blob.ID(end))
	if err != nil {
		t.Fatalf("NewClosedInterval: %v", err)
	}
	return iv
}

func TestSumIncrementCounts(t *testing.T) {
	e := epoch.Epoch{
		Increments: []blob.ClosedInterval{
			mustInterval(t, 0, 2),  // 3 ids
			mustInterval(t, 10, 10), // 1 id
		},
	}
	if got := sumIncrementCounts(e); got != 4 {
		t.Fatalf("sumIncrementCounts = %d, want 4", got)
	}
}

// TestWatchThenPropose exercises a real etcd round trip: propose an epoch,
// and confirm Watch delivers it. Requires a live etcd reachable at
// MAROON_TEST_ETCD_ENDPOINT (e.g. a local `etcd` or a dockerized fixture);
// skipped otherwise since this repo's test run never starts one.
func TestWatchThenPropose(t *testing.T) {
	endpoint := os.Getenv("MAROON_TEST_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("MAROON_TEST_ETCD_ENDPOINT not set; skipping live etcd round trip")
	}

	log := zaptest.NewLogger(t)
	c, err := Dial([]string{endpoint}, 2*time.Second, log)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delivered := make(chan epoch.Epoch, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go c.Watch(watchCtx, 0, func(e epoch.Epoch) {
		select {
		case delivered <- e:
		default:
		}
	})

	e := epoch.Next(nil, "peer-a", []blob.ClosedInterval{mustInterval(t, 0, 9)}, 1000)
	committed, err := c.Propose(ctx, e)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !committed {
		t.Fatalf("Propose did not commit a fresh sequence number")
	}

	select {
	case got := <-delivered:
		if got.SequenceNumber != e.SequenceNumber {
			t.Fatalf("watched epoch seq = %d, want %d", got.SequenceNumber, e.SequenceNumber)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch delivery")
	}

	// A second Propose for the same sequence number must lose the CAS.
	dup := e
	again, err := c.Propose(ctx, dup)
	if err != nil {
		t.Fatalf("Propose (dup): %v", err)
	}
	if again {
		t.Fatalf("duplicate sequence number Propose unexpectedly committed")
	}
}
