// Package session tracks live rooms. Rooms are spread over shards so that
// unrelated rooms never share a lock, and each room is owned by a single
// goroutine that applies joins, leaves and relays in arrival order.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrNotJoined    = errors.New("connection has not joined the room")
	ErrRoomEnded    = errors.New("call has ended")
	ErrRoomMismatch = errors.New("room belongs to another consultation")
	ErrClosed       = errors.New("registry closed")
)

type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
	PhaseEnded   Phase = "ended"
)

// Peer is the outbound side of one admitted connection.
type Peer interface {
	// Deliver queues frame without blocking and reports whether it was queued.
	Deliver(frame []byte) bool
	// Close drops the connection. Called when the same user joins again from
	// a new connection.
	Close()
}

type Participant struct {
	UserID   uuid.UUID
	Role     store.Role
	JoinedAt time.Time
	LeftAt   *time.Time
}

// CallSession is a point-in-time copy of a room's state.
type CallSession struct {
	RoomID         string
	ConsultationID uuid.UUID
	Phase          Phase
	Participants   []Participant
}

// Occupied returns the roles currently seated.
func (s CallSession) Occupied() []store.Role {
	var out []store.Role
	for _, p := range s.Participants {
		if p.LeftAt == nil {
			out = append(out, p.Role)
		}
	}
	return out
}

type JoinRequest struct {
	RoomID         string
	ConsultationID uuid.UUID
	UserID         uuid.UUID
	Role           store.Role
	Peer           Peer
}

type Registry struct {
	shards      []*shard
	idleTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry(shards int, idleTimeout time.Duration, log *zap.Logger) *Registry {
	if shards <= 0 {
		shards = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	r := &Registry{
		shards:      make([]*shard, shards),
		idleTimeout: idleTimeout,
		log:         log,
		now:         time.Now,
		quit:        make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*room)}
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) lookup(roomID string, create bool, consultationID uuid.UUID) *room {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rm, ok := sh.rooms[roomID]
	if ok || !create {
		return rm
	}
	select {
	case <-r.quit:
		return nil
	default:
	}

	rm = newRoom(r, sh, roomID, consultationID)
	sh.rooms[roomID] = rm
	r.wg.Add(1)
	go rm.run()
	return rm
}

// submit hands cmd to the room's goroutine and waits for its reply. A room
// that retired between lookup and send is recreated when create is set.
func (r *Registry) submit(ctx context.Context, roomID string, create bool, consultationID uuid.UUID, cmd command) (reply, bool, error) {
	for {
		rm := r.lookup(roomID, create, consultationID)
		if rm == nil {
			if create {
				return reply{}, false, ErrClosed
			}
			return reply{}, false, nil
		}

		select {
		case rm.cmds <- cmd:
			select {
			case res := <-cmd.reply:
				return res, true, nil
			case <-ctx.Done():
				return reply{}, false, ctx.Err()
			}
		case <-rm.done:
			if !create {
				return reply{}, false, nil
			}
		case <-ctx.Done():
			return reply{}, false, ctx.Err()
		}
	}
}

// Join seats the peer in its role's seat. The joining peer receives a
// joined frame and the other occupant, if any, a peer-joined frame.
func (r *Registry) Join(ctx context.Context, req JoinRequest) (CallSession, error) {
	cmd := command{op: opJoin, join: req, reply: make(chan reply, 1)}
	res, _, err := r.submit(ctx, req.RoomID, true, req.ConsultationID, cmd)
	if err != nil {
		return CallSession{}, err
	}
	return res.session, res.err
}

// Leave frees the seat held by peer. It is a no-op if the seat has since
// been taken over by another connection.
func (r *Registry) Leave(roomID string, role store.Role, peer Peer) {
	cmd := command{op: opLeave, role: role, peer: peer, reply: make(chan reply, 1)}
	_, _, _ = r.submit(context.Background(), roomID, false, uuid.Nil, cmd)
}

// Relay forwards frame unchanged to the occupant of the other seat.
func (r *Registry) Relay(ctx context.Context, roomID string, from store.Role, peer Peer, frame []byte) error {
	cmd := command{op: opRelay, role: from, peer: peer, frame: frame, reply: make(chan reply, 1)}
	res, ok, err := r.submit(ctx, roomID, false, uuid.Nil, cmd)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotJoined
	}
	return res.err
}

// Notify delivers frame to the occupant of seat to, if any, and reports
// whether it was delivered.
func (r *Registry) Notify(ctx context.Context, roomID string, to store.Role, frame []byte) bool {
	cmd := command{op: opNotify, role: to, frame: frame, reply: make(chan reply, 1)}
	res, ok, err := r.submit(ctx, roomID, false, uuid.Nil, cmd)
	return err == nil && ok && res.delivered
}

// End marks the call ended and sends a call-ended frame to both seats.
func (r *Registry) End(ctx context.Context, roomID string) (CallSession, bool) {
	cmd := command{op: opEnd, reply: make(chan reply, 1)}
	res, ok, err := r.submit(ctx, roomID, false, uuid.Nil, cmd)
	if err != nil || !ok {
		return CallSession{}, false
	}
	return res.session, true
}

func (r *Registry) Snapshot(ctx context.Context, roomID string) (CallSession, bool) {
	cmd := command{op: opSnapshot, reply: make(chan reply, 1)}
	res, ok, err := r.submit(ctx, roomID, false, uuid.Nil, cmd)
	if err != nil || !ok {
		return CallSession{}, false
	}
	return res.session, true
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.rooms)
		sh.mu.Unlock()
	}
	return n
}

// Close stops every room goroutine and waits for them to exit.
func (r *Registry) Close() {
	r.quitOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}
