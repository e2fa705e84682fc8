// Package node wires the Offset Tracker, Epoch Decision Engine, Epoch
// Coordinator client, Linearizer and Runtime Scheduler into one running
// node, the way a failstop node wires its causal-history, threshold-time
// and agreement layers behind a single struct: each concern stays its
// own package, node just drives the calls between them in the order
// §4.8 specifies.
package node

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/piarun/maroon-sub000/internal/metrics"
	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/decision"
	"github.com/piarun/maroon-sub000/pkg/epoch"
	"github.com/piarun/maroon-sub000/pkg/fiber"
	"github.com/piarun/maroon-sub000/pkg/linearizer"
	"github.com/piarun/maroon-sub000/pkg/offsettracker"
	"github.com/piarun/maroon-sub000/pkg/scheduler"
)

// EpochCoordinator is the subset of *coordinator.Coordinator the node
// needs; an interface so tests can swap in an in-memory fake instead of
// a real etcd connection.
type EpochCoordinator interface {
	Watch(ctx context.Context, startRevision int64, onEpoch func(epoch.Epoch)) error
	Propose(ctx context.Context, e epoch.Epoch) (bool, error)
	Latest(ctx context.Context) (epoch.Epoch, bool, error)
}

// Transport carries the payload contracts of §6's inter-node
// advertisements. Actual transport (gossip, gRPC, …) is out of scope;
// this is the seam a real network layer plugs into. RequestMissing is
// addressed to no particular peer: the tracker's gap detector only
// knows that some peer holds the max offset for a range, not which one
// (§4.1's tie-breaking note), so it is the transport's job to resolve
// that to an actual unicast target.
type Transport interface {
	BroadcastOffsets(offsets map[blob.Range]blob.Offset)
	RequestMissing(intervals []blob.ClosedInterval)
}

// GatewayNotifier delivers finished-transaction notifications back to
// whatever accepted the originating blueprint.
type GatewayNotifier interface {
	NotifyFinished(results []scheduler.Result)
}

// Config are the tunable knobs governing a node's advertise/epoch cadence
// and consensus width, per §4.
type Config struct {
	AdvertisePeriod clock.TimeMs // default 50ms
	EpochPeriod     clock.TimeMs // default 50ms
	ConsensusNodes  int          // default 2
}

// DefaultConfig returns the standard operating defaults.
func DefaultConfig() Config {
	return Config{AdvertisePeriod: 50, EpochPeriod: 50, ConsensusNodes: 2}
}

// Node is the running per-process coordinator. All state-mutating methods
// must be called from the single pump goroutine started by Run; External
// I/O (watch, tickers) feeds that goroutine through the events channel
// instead of touching Node fields directly, keeping the runtime
// single-threaded per §5.
type Node struct {
	self epoch.PeerID
	cfg  Config
	clk  clock.Clock
	log  *zap.Logger

	tracker *offsettracker.Tracker
	engine  *decision.Engine
	coord   EpochCoordinator
	lin     linearizer.Linearizer
	sched   *scheduler.Scheduler

	transport Transport
	gateway   GatewayNotifier

	// pending indexes blueprints that have been ingested but not yet
	// admitted into the scheduler, by blob ID, so an observed epoch's
	// expanded ID sequence can be turned back into TaskBlueprints.
	pending map[blob.ID]scheduler.TaskBlueprint

	// lastEpoch anchors epoch.Next's hash chain to the newest epoch this
	// node has itself proposed-and-seen-committed or observed via Watch.
	lastEpoch *epoch.Epoch

	events chan func()
}

// New constructs a Node. prog is the fiber program the scheduler runs.
func New(self epoch.PeerID, nodes []epoch.PeerID, cfg Config, prog fiber.Program, clk clock.Clock, coord EpochCoordinator, transport Transport, gateway GatewayNotifier, log *zap.Logger) *Node {
	return &Node{
		self:      self,
		cfg:       cfg,
		clk:       clk,
		log:       log,
		tracker:   offsettracker.New(cfg.ConsensusNodes),
		engine:    decision.New(self, nodes, cfg.EpochPeriod),
		coord:     coord,
		lin:       linearizer.NewLogLinearizer(),
		sched:     scheduler.New(prog, clk, log),
		transport: transport,
		gateway:   gateway,
		pending:   make(map[blob.ID]scheduler.TaskBlueprint),
		events:    make(chan func(), 256),
	}
}

// IngestBlueprint hands a blueprint, once the Offset Tracker has a
// blob-ID's worth of state for it, to the node. It is safe to call from
// any goroutine.
func (n *Node) IngestBlueprint(bp scheduler.TaskBlueprint) {
	n.events <- func() { n.ingestBlueprint(bp) }
}

func (n *Node) ingestBlueprint(bp scheduler.TaskBlueprint) {
	n.pending[bp.GlobalID] = bp
	n.tracker.Ingest(bp.GlobalID)
	metrics.KnownTransactions.Inc()
}

// ObservePeerOffsets feeds an inbound advertisement from a peer. Safe to
// call from any goroutine (the transport's receive loop).
func (n *Node) ObservePeerOffsets(peer epoch.PeerID, offsets map[blob.Range]blob.Offset) {
	n.events <- func() { n.tracker.ObservePeerState(peer, offsets) }
}

// Run drives the node until ctx is cancelled: an advertise ticker, an
// epoch ticker and the coordinator watch stream all push into the single
// events channel that the pump goroutine below drains serially, running
// the scheduler's main loop between events.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.runTicker(ctx, n.cfg.AdvertisePeriod, n.advertiseTick) })
	g.Go(func() error { return n.runTicker(ctx, n.cfg.EpochPeriod, n.epochTick) })
	g.Go(func() error {
		return n.coord.Watch(ctx, 0, func(e epoch.Epoch) {
			select {
			case n.events <- func() { n.observeEpoch(ctx, e) }:
			case <-ctx.Done():
			}
		})
	})
	g.Go(func() error { return n.pump(ctx) })

	return g.Wait()
}

// runTicker calls fn roughly every period milliseconds of the node's
// logical clock, pushing work into the events channel rather than
// calling fn directly so every state mutation still funnels through the
// pump goroutine.
func (n *Node) runTicker(ctx context.Context, period clock.TimeMs, fn func(context.Context)) error {
	if period == 0 {
		return nil
	}
	t := time.NewTicker(time.Duration(period) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			select {
			case n.events <- func() { fn(ctx) }:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pump is the only goroutine that ever touches tracker, engine, lin or
// sched: it drains queued events between scheduler ticks, giving the
// cooperative scheduler exclusive access to its own state as §5 requires.
func (n *Node) pump(ctx context.Context) error {
	idle := time.NewTimer(time.Duration(scheduler.IdleSleep) * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.events:
			ev()
		default:
			if n.sched.Tick() {
				n.drainResults()
				continue
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(time.Duration(scheduler.IdleSleep) * time.Millisecond)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-n.events:
				ev()
			case <-idle.C:
			}
		}
	}
}

func (n *Node) drainResults() {
	if len(n.sched.Results) == 0 {
		return
	}
	results := n.sched.Results
	n.sched.Results = nil
	for _, r := range results {
		delete(n.pending, r.GlobalID)
		metrics.FinishedTransactions.Inc()
	}
	if n.gateway != nil {
		n.gateway.NotifyFinished(results)
	}
}

// advertiseTick broadcasts self_offsets, recomputes consensus, and asks
// the transport to request missing intervals from any peer still ahead.
func (n *Node) advertiseTick(_ context.Context) {
	self := n.tracker.SelfOffsets()
	if n.transport != nil {
		n.transport.BroadcastOffsets(self)
	}
	n.tracker.RecomputeConsensus(n.self)

	gaps := n.tracker.LocalGaps()
	if len(gaps) == 0 || n.transport == nil {
		return
	}
	intervals := make([]blob.ClosedInterval, 0, len(gaps))
	for _, gap := range gaps {
		iv, err := blob.NewClosedIntervalFromOffsets(gap.Range, gap.Lo, gap.Hi)
		if err != nil {
			n.log.Error("advertise tick: invalid gap interval", zap.Error(err))
			continue
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) > 0 {
		n.transport.RequestMissing(intervals)
	}
}

// epochTick asks the decision engine whether this node should propose the
// next epoch and, if so, computes increments = consensus - committed per
// range and proposes them.
func (n *Node) epochTick(ctx context.Context) {
	now := n.clk.NowMs()
	if !n.engine.ShouldPropose(now) {
		return
	}

	increments := n.computeIncrements()
	if len(increments) == 0 {
		return
	}

	e := epoch.Next(n.lastEpoch, n.self, increments, now)
	committed, err := n.coord.Propose(ctx, e)
	if err != nil {
		n.log.Error("epoch propose failed", zap.Error(err))
		return
	}
	if committed {
		n.lastEpoch = &e
	}
	// If not committed, the watcher will deliver whoever won seq_number;
	// observeEpoch updates engine/tracker state from that delivery instead.
}

func (n *Node) computeIncrements() []blob.ClosedInterval {
	consensus := n.tracker.ConsensusOffsets()
	ranges := make([]blob.Range, 0, len(consensus))
	for r := range consensus {
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i] < ranges[j] })

	var out []blob.ClosedInterval
	for _, r := range ranges {
		consensusOffset := consensus[r]
		var lo blob.Offset
		if committed, ok := n.tracker.CommittedOffset(r); ok {
			lo = committed + 1
		}
		if lo > consensusOffset {
			continue
		}
		iv, err := blob.NewClosedIntervalFromOffsets(r, lo, consensusOffset)
		if err != nil {
			n.log.Error("compute increments: invalid interval", zap.Error(err))
			continue
		}
		out = append(out, iv)
	}
	return out
}

// observeEpoch is the "On observed epoch" transition of §4.8: sort
// increments (the linearizer does this), mark committed, update the
// decision engine's last-epoch memory, and admit the expansion into the
// scheduler as a dated batch.
func (n *Node) observeEpoch(_ context.Context, e epoch.Epoch) {
	n.lin.NewEpoch(e)
	for _, iv := range e.Increments {
		n.tracker.MarkCommitted(iv)
	}
	n.engine.UpdateLatestEpoch(e.Creator, e.CreationTime)
	if n.lastEpoch == nil || e.SequenceNumber >= n.lastEpoch.SequenceNumber {
		n.lastEpoch = &e
	}

	metrics.LatestEpoch.Set(float64(e.SequenceNumber))

	var blueprints []scheduler.TaskBlueprint
	for _, iv := range e.Increments {
		for _, id := range iv.Iter() {
			bp, ok := n.pending[id]
			if !ok {
				// Another node's transaction, not yet seen locally via
				// ingest/gossip; the missing-interval request loop in
				// advertiseTick is what eventually fills this gap.
				continue
			}
			blueprints = append(blueprints, bp)
		}
	}
	if len(blueprints) == 0 {
		return
	}
	n.sched.AdmitBatch(scheduler.Batch{Time: n.clk.NowMs(), Blueprints: blueprints})
}
