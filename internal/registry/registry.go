// Package registry tracks live push connections per user.
//
// Users are spread over fixed shards; each user owns a connection set with its
// own mutex, so connect/disconnect churn for one user never waits on another
// user's set. Sends are expected to be non-blocking enqueues (see Conn.Send),
// which lets the registry hold a user's lock while handing a message to each
// of that user's connections and so keep per-connection order equal to call order.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	logx "agrialert/pkg/logx"
)

const shardCount = 32

// ErrNotOpen is reported to the prune hook for connections found outside StateOpen.
var ErrNotOpen = errors.New("connection not open")

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live push connection.
//
// Send must not block on network I/O: implementations enqueue the message and
// return an error when the connection is closed or its buffer is full.
type Conn interface {
	ID() string
	State() State
	Send(msg []byte) error
	Close() error
}

// Delivery is the result of handing one message to a user's connections.
type Delivery struct {
	Delivered int `json:"delivered"`
	Pruned    int `json:"pruned"`
}

func (d Delivery) add(o Delivery) Delivery {
	return Delivery{Delivered: d.Delivered + o.Delivered, Pruned: d.Pruned + o.Pruned}
}

// PruneHook observes connections removed because a send failed.
type PruneHook func(user string, c Conn, reason error)

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithPruneHook(h PruneHook) Option { return func(r *Registry) { r.onPrune = h } }

type Registry struct {
	shards  [shardCount]shard
	total   atomic.Int64
	log     logx.Logger
	onPrune PruneHook
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*userSet
}

type userSet struct {
	mu    sync.Mutex
	conns map[string]Conn
	// dead is set once the set has been emptied; a dead set is being removed
	// from its shard and must not accept new connections.
	dead bool
}

func New(opts ...Option) *Registry {
	r := &Registry{log: logx.Nop()}
	for i := range r.shards {
		r.shards[i].users = map[string]*userSet{}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shardFor(user string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(user string) *userSet {
	sh := r.shardFor(user)
	sh.mu.RLock()
	set := sh.users[user]
	sh.mu.RUnlock()
	return set
}

// drop removes set from its shard if it is still the current set for user.
func (r *Registry) drop(user string, set *userSet) {
	sh := r.shardFor(user)
	sh.mu.Lock()
	if sh.users[user] == set {
		delete(sh.users, user)
	}
	sh.mu.Unlock()
}

// Register adds c to user's live set. Registering the same connection twice is a no-op.
func (r *Registry) Register(user string, c Conn) {
	if c == nil {
		return
	}
	sh := r.shardFor(user)
	for {
		sh.mu.Lock()
		set := sh.users[user]
		if set == nil {
			set = &userSet{conns: map[string]Conn{}}
			sh.users[user] = set
		}
		sh.mu.Unlock()

		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			r.drop(user, set)
			continue
		}
		if _, dup := set.conns[c.ID()]; !dup {
			set.conns[c.ID()] = c
			r.total.Add(1)
		}
		set.mu.Unlock()
		return
	}
}

// Unregister removes c from user's live set. It is idempotent. Once it has
// returned, no later send reaches c.
func (r *Registry) Unregister(user string, c Conn) {
	if c == nil {
		return
	}
	set := r.lookup(user)
	if set == nil {
		return
	}
	set.mu.Lock()
	cur, ok := set.conns[c.ID()]
	if !ok || cur != c {
		set.mu.Unlock()
		return
	}
	delete(set.conns, c.ID())
	r.total.Add(-1)
	empty := len(set.conns) == 0
	if empty {
		set.dead = true
	}
	set.mu.Unlock()
	if empty {
		r.drop(user, set)
	}
}

// SendToUser hands msg to every live connection of user and returns how many accepted it.
func (r *Registry) SendToUser(user string, msg []byte) int {
	return r.Deliver(user, msg).Delivered
}

type pruned struct {
	conn   Conn
	reason error
}

// Deliver is SendToUser with the prune count. A connection that is not open
// or rejects the message is removed and closed; the remaining connections are
// still attempted.
func (r *Registry) Deliver(user string, msg []byte) Delivery {
	set := r.lookup(user)
	if set == nil {
		return Delivery{}
	}

	var (
		d    Delivery
		gone []pruned
	)
	set.mu.Lock()
	if set.dead {
		set.mu.Unlock()
		return Delivery{}
	}
	for id, c := range set.conns {
		var err error
		if st := c.State(); st != StateOpen {
			err = ErrNotOpen
		} else {
			err = c.Send(msg)
		}
		if err != nil {
			delete(set.conns, id)
			gone = append(gone, pruned{conn: c, reason: err})
			continue
		}
		d.Delivered++
	}
	empty := len(set.conns) == 0
	if empty {
		set.dead = true
	}
	set.mu.Unlock()

	if empty {
		r.drop(user, set)
	}
	if len(gone) > 0 {
		d.Pruned = len(gone)
		r.total.Add(-int64(len(gone)))
		for _, p := range gone {
			_ = p.conn.Close()
			r.log.Debug("connection pruned", logx.String("user_id", user), logx.String("conn_id", p.conn.ID()), logx.Err(p.reason))
			if r.onPrune != nil {
				r.onPrune(user, p.conn, p.reason)
			}
		}
	}
	return d
}

// Broadcast delivers msg to every user registered when the call starts.
// Users registering during the call may or may not be reached.
func (r *Registry) Broadcast(msg []byte) Delivery {
	var total Delivery
	for _, user := range r.Users() {
		total = total.add(r.Deliver(user, msg))
	}
	return total
}

// Users returns a snapshot of users with at least one registered connection.
func (r *Registry) Users() []string {
	var out []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for u := range sh.users {
			out = append(out, u)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of connections registered for user.
func (r *Registry) Count(user string) int {
	set := r.lookup(user)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dead {
		return 0
	}
	return len(set.conns)
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int { return int(r.total.Load()) }
