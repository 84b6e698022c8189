package session

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type op int

const (
	opJoin op = iota
	opLeave
	opRelay
	opNotify
	opEnd
	opSnapshot
)

type command struct {
	op    op
	join  JoinRequest
	role  store.Role
	peer  Peer
	frame []byte
	reply chan reply
}

type reply struct {
	session   CallSession
	delivered bool
	err       error
}

type seat struct {
	userID uuid.UUID
	peer   Peer
	index  int // position in participants
}

// room is owned by its run goroutine; no field is touched from elsewhere
// except cmds and done.
type room struct {
	reg   *Registry
	shard *shard

	id             string
	consultationID uuid.UUID
	phase          Phase
	seats          map[store.Role]*seat
	participants   []Participant

	cmds chan command
	done chan struct{}
}

func newRoom(reg *Registry, sh *shard, id string, consultationID uuid.UUID) *room {
	return &room{
		reg:            reg,
		shard:          sh,
		id:             id,
		consultationID: consultationID,
		phase:          PhaseWaiting,
		seats:          make(map[store.Role]*seat, 2),
		cmds:           make(chan command),
		done:           make(chan struct{}),
	}
}

func (rm *room) run() {
	defer rm.reg.wg.Done()

	idle := time.NewTimer(rm.reg.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case cmd := <-rm.cmds:
			cmd.reply <- rm.handle(cmd)

			stopTimer(idle)
			if len(rm.seats) > 0 {
				continue
			}
			if rm.phase == PhaseEnded {
				rm.retire()
				return
			}
			idle.Reset(rm.reg.idleTimeout)

		case <-idle.C:
			if len(rm.seats) == 0 {
				rm.reg.log.Debug("idle room removed", zap.String("room_id", rm.id))
				rm.retire()
				return
			}

		case <-rm.reg.quit:
			rm.retire()
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// retire removes the room from its shard. Senders blocked on cmds observe
// done and look the room up again.
func (rm *room) retire() {
	rm.shard.mu.Lock()
	if rm.shard.rooms[rm.id] == rm {
		delete(rm.shard.rooms, rm.id)
	}
	rm.shard.mu.Unlock()
	close(rm.done)
}

func (rm *room) handle(cmd command) reply {
	switch cmd.op {
	case opJoin:
		return rm.join(cmd.join)
	case opLeave:
		rm.leave(cmd.role, cmd.peer)
		return reply{}
	case opRelay:
		return rm.relay(cmd.role, cmd.peer, cmd.frame)
	case opNotify:
		return reply{delivered: rm.deliver(cmd.role, cmd.frame)}
	case opEnd:
		rm.end()
		return reply{session: rm.snapshot()}
	case opSnapshot:
		return reply{session: rm.snapshot()}
	}
	return reply{}
}

func (rm *room) join(req JoinRequest) reply {
	if req.ConsultationID != rm.consultationID {
		return reply{err: ErrRoomMismatch}
	}
	if rm.phase == PhaseEnded {
		return reply{err: ErrRoomEnded}
	}

	if s, taken := rm.seats[req.Role]; taken {
		if s.userID != req.UserID {
			return reply{err: ErrRoomFull}
		}
		// Same user on a new connection: the old one is gone or stale.
		rm.markLeft(s)
		s.peer.Close()
		delete(rm.seats, req.Role)
	}

	now := rm.reg.now()
	rm.participants = append(rm.participants, Participant{
		UserID:   req.UserID,
		Role:     req.Role,
		JoinedAt: now,
	})
	rm.seats[req.Role] = &seat{userID: req.UserID, peer: req.Peer, index: len(rm.participants) - 1}
	if rm.phase == PhaseWaiting {
		rm.phase = PhaseActive
	}

	other := rm.otherRole(req.Role)
	_, peerPresent := rm.seats[other]

	joined := protocol.Frame{
		Type:           protocol.KindJoined,
		ConsultationID: rm.consultationID.String(),
		RoomID:         rm.id,
		Role:           string(req.Role),
		Phase:          string(rm.phase),
		At:             &now,
	}
	if peerPresent {
		joined.UserID = rm.seats[other].userID.String()
	}
	rm.send(req.Role, req.Peer, protocol.Encode(joined))

	rm.deliver(other, protocol.Encode(protocol.Frame{
		Type:   protocol.KindPeerJoined,
		RoomID: rm.id,
		UserID: req.UserID.String(),
		Role:   string(req.Role),
		At:     &now,
	}))

	return reply{session: rm.snapshot()}
}

func (rm *room) leave(role store.Role, peer Peer) {
	s, ok := rm.seats[role]
	if !ok || s.peer != peer {
		return
	}
	left := rm.markLeft(s)
	delete(rm.seats, role)

	rm.deliver(rm.otherRole(role), protocol.Encode(protocol.Frame{
		Type:   protocol.KindPeerLeft,
		RoomID: rm.id,
		UserID: s.userID.String(),
		Role:   string(role),
		At:     &left,
	}))
}

func (rm *room) markLeft(s *seat) time.Time {
	now := rm.reg.now()
	rm.participants[s.index].LeftAt = &now
	return now
}

func (rm *room) relay(from store.Role, peer Peer, frame []byte) reply {
	s, ok := rm.seats[from]
	if !ok || s.peer != peer {
		return reply{err: ErrNotJoined}
	}
	if rm.phase == PhaseEnded {
		return reply{err: ErrRoomEnded}
	}
	return reply{delivered: rm.deliver(rm.otherRole(from), frame)}
}

func (rm *room) end() {
	if rm.phase == PhaseEnded {
		return
	}
	rm.phase = PhaseEnded
	frame := protocol.Encode(protocol.Frame{
		Type:           protocol.KindCallEnded,
		ConsultationID: rm.consultationID.String(),
		RoomID:         rm.id,
		Phase:          string(PhaseEnded),
	})
	for role := range rm.seats {
		rm.deliver(role, frame)
	}
}

func (rm *room) otherRole(role store.Role) store.Role {
	if role == store.RoleDoctor {
		return store.RolePatient
	}
	return store.RoleDoctor
}

func (rm *room) deliver(role store.Role, frame []byte) bool {
	s, ok := rm.seats[role]
	if !ok {
		return false
	}
	return rm.send(role, s.peer, frame)
}

func (rm *room) send(role store.Role, peer Peer, frame []byte) bool {
	if peer.Deliver(frame) {
		return true
	}
	rm.reg.log.Warn("peer send buffer full, frame dropped",
		zap.String("room_id", rm.id),
		zap.String("role", string(role)),
	)
	return false
}

func (rm *room) snapshot() CallSession {
	return CallSession{
		RoomID:         rm.id,
		ConsultationID: rm.consultationID,
		Phase:          rm.phase,
		Participants:   append([]Participant(nil), rm.participants...),
	}
}
