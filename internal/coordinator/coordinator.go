// Package coordinator implements the Write Coordinator (WC): the
// six-step protocol that makes a single write's cache invalidation
// visible to every peer in the deployment before the write is allowed
// to proceed.
//
//	INIT -> AUTHORIZE -> INSERT_ACKS -> SUBSCRIBE -> INSERT_INVS
//	     -> WAIT_ACKS <-> (ACK_RECEIVED | PEER_DROPPED)
//	     -> CLEANUP -> {PROCEED | ABORT}
//
// One Coordinator is constructed once per Node and shared across every
// concurrent write; each call to RunConsistencyProtocol runs its own
// instance of the state machine over private per-operation state (the
// opID, the pendingLatch, and the row sets), so writes are isolated
// from each other except for the ES subscription and MC session they
// share.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hopswrite/writecoord/internal/ackstore"
	"github.com/hopswrite/writecoord/internal/coordwire"
	"github.com/hopswrite/writecoord/internal/deployment"
	"github.com/hopswrite/writecoord/internal/eventsub"
	"github.com/hopswrite/writecoord/internal/membership"
	"github.com/hopswrite/writecoord/internal/node"
	"github.com/hopswrite/writecoord/internal/telemetry"
)

// Outcome is the protocol's single exit signal to the caller.
type Outcome int

const (
	Abort Outcome = iota
	Proceed
)

func (o Outcome) String() string {
	if o == Proceed {
		return "PROCEED"
	}
	return "ABORT"
}

func ackEventName(dep int) string { return fmt.Sprintf("ack-events-%d", dep) }
func ackTableName(dep int) string { return fmt.Sprintf("write_acks_deployment%d", dep) }

// ackStore is the slice of *ackstore.Store's contract WC actually calls.
// Declaring it as an interface (rather than depending on the concrete
// type directly) lets tests substitute a hand-rolled fake, in the
// teacher's TestListener style, instead of a mocking framework.
type ackStore interface {
	InsertAcks(ctx context.Context, deployment int, rows []ackstore.PendingAckRow) error
	DeleteAcks(ctx context.Context, deployment int, rows []ackstore.PendingAckRow) error
	InsertInvalidations(ctx context.Context, deployment int, rows []ackstore.InvalidationRow) error
}

// eventSubscriber is the slice of *eventsub.Subscriber's contract WC
// actually calls.
type eventSubscriber interface {
	RegisterEvent(eventName, tableName string, deployment int, columns []string, recreateIfExisting bool) (bool, error)
	CreateEventOperation(ctx context.Context, eventName string) error
	DropEventOperation(eventName string) error
	AddListener(eventName string, listener eventsub.Listener) (uint64, error)
	RemoveListener(eventName string, id uint64)
}

// membershipClient is the slice of *membership.Client's contract WC
// actually calls.
type membershipClient interface {
	ListMembers(ctx context.Context, name string) ([]uint64, error)
	AddWatch(name string, fn membership.WatchFunc) (uint64, error)
	RemoveWatch(name string, id uint64)
}

// Coordinator runs the write-consistency protocol on behalf of one
// Node. It holds references to the four other components — ES, MC, AS,
// DR are passed in at construction and composed by the Node — rather
// than reaching into a shared global.
type Coordinator struct {
	self node.Identity
	dr   *deployment.Router
	as   ackStore
	es   eventSubscriber
	mc   membershipClient

	log     logr.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	sessionLost bool
}

// New builds a Coordinator for self, wiring the four components it
// orchestrates.
func New(self node.Identity, dr *deployment.Router, as ackStore, es eventSubscriber, mc membershipClient, log logr.Logger, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{
		self:    self,
		dr:      dr,
		as:      as,
		es:      es,
		mc:      mc,
		log:     log.WithName("coordinator"),
		metrics: metrics,
	}
}

// InvalidateSessionCache is the onSessionLoss callback wired into
// MC.JoinGroup for this Node: every protocol run that reaches its
// pre-INSERT_ACKS check after this call aborts there, before writing any
// row. Runs already past that check are not affected by the flag; they
// are unblocked separately,
// by cancelling the context each RunConsistencyProtocol call was
// invoked with: session loss must abort every WC currently waiting,
// implemented via node.Context.Cancel.
func (c *Coordinator) InvalidateSessionCache() {
	c.mu.Lock()
	c.sessionLost = true
	c.mu.Unlock()
	c.log.Info("membership session lost, local cache invalidated")
}

func (c *Coordinator) sessionIsLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLost
}

// mintOpID assigns a top-bit-clear 64-bit operation id, unique within
// this Node's lifetime for all practical purposes. A random UUID is
// truncated to 63 bits rather than hand-rolling a PRNG, grounded on
// cubefs-inodedb's use of google/uuid for identifiers.
func mintOpID() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v &^ (1 << 63)
}

// opState is the private, per-invocation state of one protocol run.
type opState struct {
	opID       uint64
	txStart    time.Time
	deployment int
	groupName  string

	ackRows []ackstore.PendingAckRow
	latch   *pendingLatch

	subscribed bool
	listenerID uint64
	watchID    uint64

	allPeers map[int64]struct{}

	reconcileMu sync.Mutex
}

// RunConsistencyProtocol is WC's single entry point and exit point. The
// caller must already hold whatever inode locks serialize this write
// against other writers to the same keys; WC acquires no inode locks.
// Its only locks guard its own bookkeeping: pendingLatch's internal one,
// the per-operation reconcileMu, and the Coordinator's session flag.
func (c *Coordinator) RunConsistencyProtocol(ctx context.Context, invalidatedInodes []deployment.InodeRef, txStart time.Time) (Outcome, error) {
	start := time.Now()
	outcome, err := c.run(ctx, invalidatedInodes, txStart)
	if c.metrics != nil {
		c.metrics.ProtocolDuration.Observe(time.Since(start).Seconds())
		c.metrics.ProtocolOutcomes.WithLabelValues(outcome.String()).Inc()
	}
	return outcome, err
}

func (c *Coordinator) run(ctx context.Context, invalidatedInodes []deployment.InodeRef, txStart time.Time) (Outcome, error) {
	// INIT
	if len(invalidatedInodes) == 0 {
		return Proceed, nil
	}
	st := &opState{
		opID:       mintOpID(),
		txStart:    txStart,
		deployment: c.self.Deployment,
		groupName:  c.self.FunctionName,
	}
	log := c.log.WithValues("opID", st.opID, "deployment", st.deployment)

	// AUTHORIZE
	if err := c.dr.Authorize(invalidatedInodes); err != nil {
		log.Info("authorization failed, aborting before any side effect", "err", err.Error())
		return Abort, err
	}

	if c.sessionIsLost() {
		return Abort, coordwire.New(coordwire.KindMembership, "coordinator.run",
			fmt.Errorf("membership session already lost"))
	}

	// INSERT_ACKS
	peers, err := c.mc.ListMembers(ctx, st.groupName)
	if err != nil {
		return Abort, coordwire.New(coordwire.KindMembership, "coordinator.INSERT_ACKS", err)
	}
	peerIDs := make([]int64, 0, len(peers))
	for _, p := range peers {
		id := int64(p)
		if id == int64(c.self.ID) {
			continue
		}
		peerIDs = append(peerIDs, id)
	}

	st.ackRows = make([]ackstore.PendingAckRow, 0, len(peerIDs))
	for _, id := range peerIDs {
		st.ackRows = append(st.ackRows, ackstore.PendingAckRow{
			TargetNodeID: id,
			Deployment:   st.deployment,
			Acknowledged: false,
			OpID:         st.opID,
			TxStart:      txStart,
			LeaderID:     int64(c.self.ID),
		})
	}
	if err := c.as.InsertAcks(ctx, st.deployment, st.ackRows); err != nil {
		return Abort, err
	}
	st.latch = newPendingLatch(peerIDs)
	st.allPeers = make(map[int64]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		st.allPeers[id] = struct{}{}
	}
	if c.metrics != nil && len(peerIDs) > 0 {
		c.metrics.PendingSetSize.Add(float64(len(peerIDs)))
	}

	// SUBSCRIBE — skipped when no peer will ever post an ack.
	if len(peerIDs) > 0 {
		if err := c.subscribe(ctx, st); err != nil {
			// Fatal only because it precedes INSERT_INVS: without the
			// subscription, an ack posted immediately after peers see
			// the invalidation could be missed forever.
			c.cleanup(context.Background(), st, log)
			return Abort, err
		}
	}

	// INSERT_INVS
	invRows := make([]ackstore.InvalidationRow, 0, len(invalidatedInodes))
	for _, inode := range invalidatedInodes {
		invRows = append(invRows, ackstore.InvalidationRow{
			InodeID:  inode.InodeID,
			ParentID: inode.ParentID,
			LeaderID: int64(c.self.ID),
			TxStart:  txStart,
			OpID:     st.opID,
		})
	}
	if err := c.as.InsertInvalidations(ctx, st.deployment, invRows); err != nil {
		c.cleanup(context.Background(), st, log)
		return Abort, err
	}

	// WAIT_ACKS
	watchID, err := c.mc.AddWatch(st.groupName, func(membership.Event) {
		c.reconcileMembership(context.Background(), st, log)
	})
	if err != nil {
		log.Error(err, "failed to register membership watch, proceeding without live reconciliation")
	} else {
		st.watchID = watchID
	}
	// Race: peers may have dropped between INSERT_ACKS and watch
	// registration, so reconcile once immediately before blocking.
	c.reconcileMembership(ctx, st, log)

	waitErr := st.latch.await(ctx)

	c.cleanup(context.Background(), st, log)

	if waitErr != nil {
		var coordErr *coordwire.Error
		if errors.As(waitErr, &coordErr) {
			// A protocol violation aborted the latch directly; keep its
			// kind rather than relabeling it as a membership failure.
			return Abort, coordErr
		}
		return Abort, coordwire.New(coordwire.KindMembership, "coordinator.WAIT_ACKS", waitErr)
	}
	return Proceed, nil
}

func (c *Coordinator) subscribe(ctx context.Context, st *opState) error {
	eventName := ackEventName(st.deployment)
	if _, err := c.es.RegisterEvent(eventName, ackTableName(st.deployment), st.deployment, nil, false); err != nil {
		return coordwire.New(coordwire.KindSubscription, "coordinator.SUBSCRIBE", err)
	}
	if err := c.es.CreateEventOperation(ctx, eventName); err != nil {
		return coordwire.New(coordwire.KindSubscription, "coordinator.SUBSCRIBE", err)
	}

	listenerID, err := c.es.AddListener(eventName, func(_ context.Context, ev eventsub.ChangeEvent) error {
		return c.onAckEvent(st, ev)
	})
	if err != nil {
		_ = c.es.DropEventOperation(eventName)
		return coordwire.New(coordwire.KindSubscription, "coordinator.SUBSCRIBE", err)
	}
	st.subscribed = true
	st.listenerID = listenerID
	return nil
}

// onAckEvent is ACK_RECEIVED. The filter keeps only events for this
// op id that are UPDATEs carrying acknowledged=true; everything else
// (INSERT, foreign op id, un-acked UPDATE) is discarded — see
// DESIGN.md's open-question decision on the corrected filter polarity.
func (c *Coordinator) onAckEvent(st *opState, ev eventsub.ChangeEvent) error {
	if ev.Kind != eventsub.KindUpdate {
		return nil
	}
	opID, ok := ev.Int64("op_id")
	if !ok || uint64(opID) != st.opID {
		return nil
	}
	acked, ok := ev.Bool("acknowledged")
	if !ok || !acked {
		return nil
	}
	targetID, ok := ev.Int64("namenode_id")
	if !ok {
		return nil
	}

	if !st.latch.ackPeer(targetID) {
		// latch.ackPeer already reports false both when targetID was
		// already resolved (a prior ack or a prior drop — harmless, a
		// no-op) and when it never belonged to pendingSet at all. Only
		// the latter is the fatal protocol violation (see DESIGN.md).
		if _, everPending := st.allPeers[targetID]; !everPending {
			err := coordwire.New(coordwire.KindProtocolViolation, "coordinator.ACK_RECEIVED",
				fmt.Errorf("ack for peer %d not in pending set (opID=%d)", targetID, st.opID))
			// A listener's return value only gets logged by ES, never
			// observed by the waiter, so a fatal violation must abort
			// the latch directly to actually unblock WAIT_ACKS.
			st.latch.abort(err)
			return err
		}
	}
	return nil
}

// reconcileMembership is PEER_DROPPED. It must run as a serialized
// critical section over one operation's pendingSet/latch so a
// concurrent ACK and a concurrent drop for the same peer cannot both
// decrement (P4); reconcileMu enforces that serialization across
// overlapping watch-callback and initial-call invocations, while the
// actual removal is additionally guarded by pendingLatch's own lock.
func (c *Coordinator) reconcileMembership(ctx context.Context, st *opState, log logr.Logger) {
	st.reconcileMu.Lock()
	defer st.reconcileMu.Unlock()

	pending := st.latch.snapshotPending()
	if len(pending) == 0 {
		return
	}
	members, err := c.mc.ListMembers(ctx, st.groupName)
	if err != nil {
		log.Error(err, "reconcileMembership: failed to list members, will retry on next watch fire")
		return
	}
	alive := make(map[int64]struct{}, len(members))
	for _, m := range members {
		alive[int64(m)] = struct{}{}
	}
	for _, p := range pending {
		if _, ok := alive[p]; !ok {
			st.latch.dropPeer(p)
		}
	}
}

// cleanup is CLEANUP. Errors here are logged, not returned: the
// protocol has already delivered its guarantees by this point (peers
// invalidated, or the write is being abandoned), and ack rows are
// self-healing because their primary key includes opID.
func (c *Coordinator) cleanup(ctx context.Context, st *opState, log logr.Logger) {
	if c.metrics != nil && len(st.allPeers) > 0 {
		c.metrics.PendingSetSize.Sub(float64(len(st.allPeers)))
	}
	if st.watchID != 0 {
		c.mc.RemoveWatch(st.groupName, st.watchID)
	}
	if st.subscribed {
		eventName := ackEventName(st.deployment)
		c.es.RemoveListener(eventName, st.listenerID)
		if err := c.es.DropEventOperation(eventName); err != nil {
			log.Error(err, "cleanup: failed to drop event operation")
		}
	}
	if err := c.as.DeleteAcks(ctx, st.deployment, st.ackRows); err != nil {
		log.Error(err, "cleanup: failed to delete ack rows, they will self-heal on next write with the same opID")
	}
}
