// Package coordinator implements the etcd-backed Epoch Coordinator client:
// a resumable watch over the latest committed epoch, and a CAS-guarded
// propose transaction that appends a new epoch to the history log.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/piarun/maroon-sub000/internal/metrics"
	"github.com/piarun/maroon-sub000/internal/retry"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

// MaroonPrefix is the root of the coordinator's etcd keyspace.
const MaroonPrefix = "/maroon"

const (
	latestKey    = MaroonPrefix + "/latest"
	historyPrefix = MaroonPrefix + "/history"
)

func historyKey(seq uint64) string {
	return fmt.Sprintf("%s/%d", historyPrefix, seq)
}

// maxWatcherBackoff caps the watcher reconnect delay, per §4.3.
const maxWatcherBackoff = 5 * time.Second

// Coordinator is the etcd-backed client. It is not safe for concurrent
// calls to Propose; Watch is meant to run in its own goroutine.
type Coordinator struct {
	client *clientv3.Client
	log    *zap.Logger
}

// New wraps an already-connected etcd client.
func New(client *clientv3.Client, log *zap.Logger) *Coordinator {
	return &Coordinator{client: client, log: log}
}

// Dial connects to the given etcd endpoints.
func Dial(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*Coordinator, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial etcd: %w", err)
	}
	return New(client, log), nil
}

// Close releases the underlying etcd client.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// Watch streams every epoch committed to /maroon/latest from startRevision
// onward (0 meaning "from now"), delivering each to onEpoch. It reconnects
// on any watch error or server-side stream close, applying capped
// exponential backoff and resuming from the last seen revision so no
// committed epoch is missed.
//
// Watch blocks until ctx is cancelled.
func (c *Coordinator) Watch(ctx context.Context, startRevision int64, onEpoch func(epoch.Epoch)) error {
	lastRev := startRevision
	reconnectDelay := 50 * time.Millisecond

	for ctx.Err() == nil {
		opts := []clientv3.OpOption{}
		if lastRev > 0 {
			opts = append(opts, clientv3.WithRev(lastRev))
		}

		watchCtx, cancel := context.WithCancel(ctx)
		watchChan := c.client.Watch(watchCtx, latestKey, opts...)

		streamErr := c.consumeWatchStream(watchChan, onEpoch, &lastRev)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if streamErr == nil {
			reconnectDelay = 50 * time.Millisecond
			continue
		}

		c.log.Warn("etcd watch stream ended; reconnecting", zap.Error(streamErr), zap.Duration("delay", reconnectDelay))
		metrics.EtcdRequests.WithLabelValues("watch_error").Inc()

		t := time.NewTimer(reconnectDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		if reconnectDelay < maxWatcherBackoff {
			reconnectDelay *= 2
			if reconnectDelay > maxWatcherBackoff {
				reconnectDelay = maxWatcherBackoff
			}
		}
	}
	return ctx.Err()
}

// consumeWatchStream drains ch until it closes or reports an error,
// applying each watch event and advancing *lastRev as revisions arrive.
func (c *Coordinator) consumeWatchStream(ch clientv3.WatchChan, onEpoch func(epoch.Epoch), lastRev *int64) error {
	for resp := range ch {
		if err := resp.Err(); err != nil {
			return err
		}
		*lastRev = resp.Header.Revision + 1
		for _, ev := range resp.Events {
			var e epoch.Epoch
			if err := json.Unmarshal(ev.Kv.Value, &e); err != nil {
				c.log.Error("failed to decode epoch from etcd watch event", zap.Error(err))
				continue
			}
			c.log.Info("etcd watch delivered epoch", zap.Uint64("sequence_number", e.SequenceNumber))
			onEpoch(e)
		}
	}
	// Channel closed: the server ended the stream cleanly (EOF-equivalent).
	return fmt.Errorf("coordinator: watch stream closed by server")
}

// Propose appends e to the history log and advances /maroon/latest,
// guarded by a CAS transaction keyed on e's sequence number: the
// transaction only commits if /maroon/history/<seq> does not already
// exist, so a racing proposer for the same sequence number loses cleanly.
// Propose returns (true, nil) if this call's epoch was the one committed,
// (false, nil) if another proposer won the sequence number first.
func (c *Coordinator) Propose(ctx context.Context, e epoch.Epoch) (bool, error) {
	start := time.Now()
	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("coordinator: marshal epoch: %w", err)
	}

	key := historyKey(e.SequenceNumber)
	var resp *clientv3.TxnResponse

	// Transient network/unavailable errors are retried; a successful
	// round trip that reports the CAS as lost is not an error and is
	// never retried, since another proposer has already won seq_number.
	retryErr := retry.Config{MaxWait: maxWatcherBackoff}.Retry(ctx, c.log, func() error {
		var txnErr error
		resp, txnErr = c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(
				clientv3.OpPut(latestKey, string(payload)),
				clientv3.OpPut(key, string(payload)),
			).
			Commit()
		return txnErr
	})

	elapsed := time.Since(start)
	if retryErr != nil {
		metrics.EtcdRequests.WithLabelValues("error").Inc()
		c.log.Error("propose epoch failed", zap.Uint64("sequence_number", e.SequenceNumber), zap.Error(retryErr))
		return false, fmt.Errorf("coordinator: propose transaction: %w", retryErr)
	}

	outcome := "rejected"
	if resp.Succeeded {
		outcome = "committed"
		metrics.CommittedTransactions.Add(float64(sumIncrementCounts(e)))
	}
	metrics.EtcdRequests.WithLabelValues(outcome).Inc()
	metrics.EtcdCommitLatency.Observe(elapsed.Seconds())
	c.log.Info("propose epoch", zap.Uint64("sequence_number", e.SequenceNumber), zap.Bool("committed", resp.Succeeded))

	return resp.Succeeded, nil
}

func sumIncrementCounts(e epoch.Epoch) uint64 {
	var total uint64
	for _, iv := range e.Increments {
		total += iv.Count()
	}
	return total
}

// Latest fetches the currently-committed latest epoch, if any.
func (c *Coordinator) Latest(ctx context.Context) (epoch.Epoch, bool, error) {
	resp, err := c.client.Get(ctx, latestKey)
	if err != nil {
		return epoch.Epoch{}, false, fmt.Errorf("coordinator: get latest: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return epoch.Epoch{}, false, nil
	}
	var e epoch.Epoch
	if err := json.Unmarshal(resp.Kvs[0].Value, &e); err != nil {
		return epoch.Epoch{}, false, fmt.Errorf("coordinator: decode latest: %w", err)
	}
	return e, true, nil
}
