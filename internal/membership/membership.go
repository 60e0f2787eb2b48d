// Package membership wraps a ZooKeeper-like membership service so the
// write coordinator can discover peers and learn when one of them
// drops out mid-operation.
//
// It keeps etcd session management, ephemeral member-key registration, and
// prefix-watch machinery, but drops leader-election campaigning entirely:
// there is no leader here, every writer is its own leader for its own
// operation.
package membership

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
	concurrencyv3 "go.etcd.io/etcd/client/v3/concurrency"
)

const (
	groupPrefix = "/writecoord/groups/"
	sessionTTL  = 15
)

// SessionLossFunc is invoked at most once, from an internal goroutine,
// when the calling node's membership session expires or is otherwise
// lost. The callback must invalidate the whole local membership cache —
// the client makes no attempt to distinguish transient network blips
// from real session loss.
type SessionLossFunc func()

// WatchFunc receives every children-changed notification under a
// group's member prefix. Watch callbacks fire at least once per
// change and may fire spuriously; callers must be idempotent.
type WatchFunc func(Event)

type group struct {
	name string

	mu       sync.Mutex
	watches  map[uint64]WatchFunc
	watchGen uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the Membership Client. One Client instance is shared by
// every Write Coordinator operation running on a Node.
type Client struct {
	endpoints []string
	log       logr.Logger

	cli *clientv3.Client

	mu      sync.Mutex
	groups  map[string]*group
	session *concurrencyv3.Session

	nextMemberSeq uint64
	closed        atomic.Bool
}

// New constructs a Client. Connect must be called before use.
func New(endpoints []string, log logr.Logger) *Client {
	return &Client{
		endpoints: endpoints,
		log:       log.WithName("membership"),
		groups:    make(map[string]*group),
	}
}

// Connect establishes the etcd client and a long-lived session used
// for every ephemeral registration this Client makes. It retries with
// backoff, since the membership service may not be up yet when a Node
// starts and nothing guarantees startup ordering.
func (c *Client) Connect(ctx context.Context) error {
	op := func() (*clientv3.Client, error) {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   c.endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return cli, nil
	}

	cli, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return fmt.Errorf("membership: connect: %w", err)
	}
	c.cli = cli

	session, err := concurrencyv3.NewSession(cli, concurrencyv3.WithTTL(sessionTTL))
	if err != nil {
		_ = cli.Close()
		return fmt.Errorf("membership: create session: %w", err)
	}
	c.session = session

	c.log.Info("connected", "endpoints", c.endpoints, "lease", c.session.Lease())
	return nil
}

// CreateGroup ensures a group's watch loop is running. It is
// idempotent: calling it more than once for the same name is a no-op.
func (c *Client) CreateGroup(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[name]; ok {
		return nil
	}
	g := &group{name: name, watches: make(map[uint64]WatchFunc)}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	c.groups[name] = g

	go c.watchGroup(ctx, g)
	return nil
}

func (c *Client) groupPath(name string) string {
	return groupPrefix + name + "/members/"
}

// JoinGroup registers memberID as an ephemeral member of the named
// group, bound to the Client's shared session lease. onSessionLoss
// fires once, from its own goroutine, if that session ever expires.
func (c *Client) JoinGroup(ctx context.Context, name string, memberID uint64, onSessionLoss SessionLossFunc) error {
	if err := c.CreateGroup(name); err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d", c.groupPath(name), memberID)
	if _, err := c.cli.Put(ctx, key, "", clientv3.WithLease(c.session.Lease())); err != nil {
		return fmt.Errorf("membership: join group %s: %w", name, err)
	}

	if onSessionLoss != nil {
		go func() {
			<-c.session.Done()
			if !c.closed.Load() {
				onSessionLoss()
			}
		}()
	}

	c.log.Info("joined group", "group", name, "member", memberID)
	return nil
}

// LeaveGroup removes memberID's key from the group ahead of session
// expiry. This is best-effort; the lease TTL is the backstop.
func (c *Client) LeaveGroup(ctx context.Context, name string, memberID uint64) error {
	key := fmt.Sprintf("%s%d", c.groupPath(name), memberID)
	_, err := c.cli.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("membership: leave group %s: %w", name, err)
	}
	return nil
}

// ListMembers returns the member ids currently registered under a
// group. This is a point-in-time snapshot: use AddWatch to stay
// current without repeatedly polling.
func (c *Client) ListMembers(ctx context.Context, name string) ([]uint64, error) {
	resp, err := c.cli.Get(ctx, c.groupPath(name), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("membership: list members %s: %w", name, err)
	}
	members := make([]uint64, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var id uint64
		key := string(kv.Key)
		prefix := c.groupPath(name)
		if _, err := fmt.Sscanf(key[len(prefix):], "%d", &id); err != nil {
			c.log.Info("skipping malformed member key", "key", key)
			continue
		}
		members = append(members, id)
	}
	return members, nil
}

// AddWatch registers fn to be called on every membership change under
// name. It returns an id usable with RemoveWatch.
func (c *Client) AddWatch(name string, fn WatchFunc) (uint64, error) {
	if err := c.CreateGroup(name); err != nil {
		return 0, err
	}
	c.mu.Lock()
	g := c.groups[name]
	c.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.watchGen++
	id := g.watchGen
	g.watches[id] = fn
	return id, nil
}

// RemoveWatch unregisters a previously added watch.
func (c *Client) RemoveWatch(name string, id uint64) {
	c.mu.Lock()
	g, ok := c.groups[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.watches, id)
	g.mu.Unlock()
}

func (c *Client) watchGroup(ctx context.Context, g *group) {
	defer close(g.done)
	watchChan := c.cli.Watch(ctx, c.groupPath(g.name), clientv3.WithPrefix())
	for resp := range watchChan {
		for _, ev := range resp.Events {
			var etype EventType
			key := ev.Kv.Key
			switch ev.Type {
			case clientv3.EventTypePut:
				if ev.IsCreate() {
					etype = EvtMemberJoined
				} else {
					etype = EvtMemberUpdated
				}
			case clientv3.EventTypeDelete:
				etype = EvtMemberLeft
			}

			var memberID uint64
			prefix := c.groupPath(g.name)
			if _, err := fmt.Sscanf(string(key)[len(prefix):], "%d", &memberID); err != nil {
				c.log.Info("skipping malformed member key in watch", "key", string(key))
				continue
			}

			c.dispatch(g, Event{Type: etype, Member: Member{NodeID: memberID, Group: g.name}})
		}
	}
}

func (c *Client) dispatch(g *group, ev Event) {
	g.mu.Lock()
	sinks := make([]WatchFunc, 0, len(g.watches))
	for _, fn := range g.watches {
		sinks = append(sinks, fn)
	}
	g.mu.Unlock()

	for _, fn := range sinks {
		fn(ev)
	}
}

// Close tears down every group watch and the underlying etcd client.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	for _, g := range groups {
		g.cancel()
		<-g.done
	}

	if c.session != nil {
		_ = c.session.Close()
	}
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}
