package coordinator

import (
	"context"
	"sync"
)

// pendingLatch is a single mutex-guarded pendingSet+latch pair:
// mutations to the pending-peer set and the outstanding count always
// happen under the same lock, and await releases that lock while
// blocked so ACK_RECEIVED and PEER_DROPPED can still make progress
// concurrently.
type pendingLatch struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[int64]struct{}
	initial int
	acked   int
	dropped int

	aborted  bool
	abortErr error
}

func newPendingLatch(peers []int64) *pendingLatch {
	l := &pendingLatch{pending: make(map[int64]struct{}, len(peers))}
	for _, p := range peers {
		l.pending[p] = struct{}{}
	}
	l.initial = len(peers)
	l.cond = sync.NewCond(&l.mu)
	return l
}

// count returns the number of peers still outstanding.
func (l *pendingLatch) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// ackPeer removes peer from the pending set if it is still there and
// wakes any waiter. It reports false if peer was already gone — from a
// prior ack or a prior drop — which is how P4 (one decrement per peer)
// holds regardless of race between ACK_RECEIVED and PEER_DROPPED: both
// paths funnel through this lock and only the first one to observe the
// peer still pending gets to remove it.
func (l *pendingLatch) ackPeer(peer int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[peer]; !ok {
		return false
	}
	delete(l.pending, peer)
	l.acked++
	l.cond.Broadcast()
	return true
}

// dropPeer removes peer from the pending set because membership no
// longer lists it. Same one-decrement guarantee as ackPeer.
func (l *pendingLatch) dropPeer(peer int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[peer]; !ok {
		return false
	}
	delete(l.pending, peer)
	l.dropped++
	l.cond.Broadcast()
	return true
}

// snapshotPending returns the peers still outstanding.
func (l *pendingLatch) snapshotPending() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.pending))
	for p := range l.pending {
		out = append(out, p)
	}
	return out
}

// stats reports the P3 conservation quantities: remaining pending,
// acked so far, dropped so far, and the initial pending-set size.
func (l *pendingLatch) stats() (remaining, acked, dropped, initial int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending), l.acked, l.dropped, l.initial
}

// abort unblocks await immediately with err, regardless of how many
// peers remain outstanding. Used for membership-session loss and
// caller-imposed cancellation.
func (l *pendingLatch) abort(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return
	}
	l.aborted = true
	l.abortErr = err
	l.cond.Broadcast()
}

// await blocks until the pending set is empty or the latch is
// aborted, releasing the lock while waiting.
func (l *pendingLatch) await(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.abort(ctx.Err())
		case <-stop:
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.pending) > 0 && !l.aborted {
		l.cond.Wait()
	}
	if l.aborted {
		return l.abortErr
	}
	return nil
}
