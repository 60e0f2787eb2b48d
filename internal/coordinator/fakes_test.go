package coordinator

import (
	"context"
	"sync"

	"github.com/hopswrite/writecoord/internal/ackstore"
	"github.com/hopswrite/writecoord/internal/eventsub"
	"github.com/hopswrite/writecoord/internal/membership"
)

// The fakes below are hand-rolled test doubles: plain structs recording
// calls and letting the test drive callbacks directly, rather than a
// mocking framework.

type fakeAckStore struct {
	mu sync.Mutex

	insertAcksErr          error
	insertInvalidationsErr error
	deleteAcksErr          error

	insertedAcks   []ackstore.PendingAckRow
	deletedAcks    []ackstore.PendingAckRow
	insertedInvs   []ackstore.InvalidationRow
	insertAcksCall int
	callOrder      []string
}

func (f *fakeAckStore) InsertAcks(_ context.Context, _ int, rows []ackstore.PendingAckRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertAcksCall++
	f.callOrder = append(f.callOrder, "InsertAcks")
	if f.insertAcksErr != nil {
		return f.insertAcksErr
	}
	f.insertedAcks = append(f.insertedAcks, rows...)
	return nil
}

func (f *fakeAckStore) DeleteAcks(_ context.Context, _ int, rows []ackstore.PendingAckRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteAcksErr != nil {
		return f.deleteAcksErr
	}
	f.deletedAcks = append(f.deletedAcks, rows...)
	return nil
}

func (f *fakeAckStore) InsertInvalidations(_ context.Context, _ int, rows []ackstore.InvalidationRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callOrder = append(f.callOrder, "InsertInvalidations")
	if f.insertInvalidationsErr != nil {
		return f.insertInvalidationsErr
	}
	f.insertedInvs = append(f.insertedInvs, rows...)
	return nil
}

func (f *fakeAckStore) remainingAcks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.insertedAcks) - len(f.deletedAcks)
}

// fakeEventSub stands in for the Event Subscriber. It records
// registered listeners so a test can call deliver to simulate ES
// dispatching a change event, without running any real polling loop.
type fakeEventSub struct {
	mu          sync.Mutex
	registered  map[string]bool
	opRefs      map[string]int
	nextID      uint64
	listeners   map[string]map[uint64]eventsub.Listener
	registerErr error
	createOpErr error
}

func newFakeEventSub() *fakeEventSub {
	return &fakeEventSub{
		registered: make(map[string]bool),
		opRefs:     make(map[string]int),
		listeners:  make(map[string]map[uint64]eventsub.Listener),
	}
}

func (f *fakeEventSub) RegisterEvent(eventName, _ string, _ int, _ []string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return false, f.registerErr
	}
	if f.registered[eventName] {
		return false, nil
	}
	f.registered[eventName] = true
	f.listeners[eventName] = make(map[uint64]eventsub.Listener)
	return true, nil
}

func (f *fakeEventSub) CreateEventOperation(_ context.Context, eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOpErr != nil {
		return f.createOpErr
	}
	f.opRefs[eventName]++
	return nil
}

func (f *fakeEventSub) DropEventOperation(eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opRefs[eventName] > 0 {
		f.opRefs[eventName]--
	}
	return nil
}

func (f *fakeEventSub) AddListener(eventName string, listener eventsub.Listener) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[eventName][id] = listener
	return id, nil
}

func (f *fakeEventSub) RemoveListener(eventName string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[eventName], id)
}

// deliver simulates ES dispatching ev to every listener currently
// registered under eventName, synchronously and on the caller's
// goroutine — enough to exercise ACK_RECEIVED without a real poller.
func (f *fakeEventSub) deliver(eventName string, ev eventsub.ChangeEvent) []error {
	f.mu.Lock()
	listeners := make([]eventsub.Listener, 0, len(f.listeners[eventName]))
	for _, l := range f.listeners[eventName] {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l(context.Background(), ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// fakeMembershipClient stands in for the Membership Client. Tests
// mutate the member list directly and call fireWatch to simulate a
// children-changed notification.
type fakeMembershipClient struct {
	mu          sync.Mutex
	members     []uint64
	watches     map[uint64]membership.WatchFunc
	nextWatchID uint64
	listErr     error
}

func newFakeMembershipClient(members ...uint64) *fakeMembershipClient {
	return &fakeMembershipClient{
		members: members,
		watches: make(map[uint64]membership.WatchFunc),
	}
}

func (f *fakeMembershipClient) ListMembers(_ context.Context, _ string) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]uint64, len(f.members))
	copy(out, f.members)
	return out, nil
}

func (f *fakeMembershipClient) AddWatch(_ string, fn membership.WatchFunc) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWatchID++
	id := f.nextWatchID
	f.watches[id] = fn
	return id, nil
}

func (f *fakeMembershipClient) RemoveWatch(_ string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watches, id)
}

// setMembers replaces the member list, as if the Membership Service's
// authoritative view had changed.
func (f *fakeMembershipClient) setMembers(members ...uint64) {
	f.mu.Lock()
	f.members = members
	f.mu.Unlock()
}

// fireWatch invokes every registered watch callback once, as if a
// children-changed event had arrived.
func (f *fakeMembershipClient) fireWatch() {
	f.mu.Lock()
	fns := make([]membership.WatchFunc, 0, len(f.watches))
	for _, fn := range f.watches {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(membership.Event{})
	}
}
