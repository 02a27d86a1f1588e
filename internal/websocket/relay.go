package callws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

// ErrRoomFull rejects a third distinct participant; rooms hold exactly the
// two parties of one session.
var ErrRoomFull = errors.New("room is full")

const (
	EventJoinSession    = "join-session"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventICECandidate   = "ice-candidate"
	EventSessionMessage = "session-message"

	EventJoined     = "joined"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventError      = "error"
)

const (
	maxMessageBytes = 32 * 1024
	roomCapacity    = 2
	completeTimeout = 10 * time.Second
)

// Envelope is the single frame format on the signaling channel. Payload is
// opaque to the relay and forwarded verbatim.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID int64           `json:"session_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	From      int64           `json:"from,omitempty"`
	Role      string          `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type sessionCompleter interface {
	CompleteSession(ctx context.Context, sessionID int64) error
}

// Relay owns the transient roomId->occupants registry. All mutations flow
// through Run's single goroutine, so no lock guards the map; the registry is
// rebuilt from scratch on process restart.
type Relay struct {
	rooms     map[string]*room
	joins     chan joinRequest
	leaves    chan leaveRequest
	frames    chan frame
	completer sessionCompleter
}

type room struct {
	sessionID int64
	occupants map[*Participant]struct{}
	sawBoth   bool
}

type joinRequest struct {
	roomID      string
	sessionID   int64
	participant *Participant
	reply       chan error
}

type leaveRequest struct {
	roomID      string
	participant *Participant
}

type frame struct {
	roomID  string
	sender  *Participant
	kind    string
	payload json.RawMessage
}

func NewRelay(completer sessionCompleter) *Relay {
	return &Relay{
		rooms:     make(map[string]*room),
		joins:     make(chan joinRequest),
		leaves:    make(chan leaveRequest),
		frames:    make(chan frame, 64),
		completer: completer,
	}
}

func (r *Relay) Run() {
	for {
		select {
		case req := <-r.joins:
			req.reply <- r.handleJoin(req)
		case req := <-r.leaves:
			r.handleLeave(req)
		case f := <-r.frames:
			r.handleFrame(f)
		}
	}
}

// Join registers an admitted participant; it is synchronous so capacity
// violations surface to the caller before any frame is accepted.
func (r *Relay) Join(roomID string, sessionID int64, p *Participant) error {
	reply := make(chan error, 1)
	r.joins <- joinRequest{roomID: roomID, sessionID: sessionID, participant: p, reply: reply}
	return <-reply
}

func (r *Relay) Leave(roomID string, p *Participant) {
	r.leaves <- leaveRequest{roomID: roomID, participant: p}
}

// Forward relays one frame to every other occupant of the sender's room.
func (r *Relay) Forward(roomID string, sender *Participant, kind string, payload json.RawMessage) {
	r.frames <- frame{roomID: roomID, sender: sender, kind: kind, payload: payload}
}

func (r *Relay) handleJoin(req joinRequest) error {
	rm, ok := r.rooms[req.roomID]
	if !ok {
		rm = &room{sessionID: req.sessionID, occupants: make(map[*Participant]struct{})}
		r.rooms[req.roomID] = rm
	}
	if _, present := rm.occupants[req.participant]; present {
		return nil
	}
	if len(rm.occupants) >= roomCapacity {
		return ErrRoomFull
	}

	arrival, err := json.Marshal(Envelope{
		Type:   EventUserJoined,
		RoomID: req.roomID,
		From:   req.participant.userID,
		Role:   req.participant.role,
	})
	if err == nil {
		for occupant := range rm.occupants {
			r.enqueue(rm, occupant, arrival)
		}
	}

	rm.occupants[req.participant] = struct{}{}
	if len(rm.occupants) == roomCapacity {
		rm.sawBoth = true
	}
	return nil
}

func (r *Relay) handleFrame(f frame) {
	rm, ok := r.rooms[f.roomID]
	if !ok {
		return
	}
	if _, admitted := rm.occupants[f.sender]; !admitted {
		return
	}

	encoded, err := json.Marshal(Envelope{
		Type:    f.kind,
		RoomID:  f.roomID,
		From:    f.sender.userID,
		Role:    f.sender.role,
		Payload: f.payload,
	})
	if err != nil {
		log.Printf("relay encode frame: %v", err)
		return
	}

	for occupant := range rm.occupants {
		if occupant == f.sender {
			continue
		}
		r.enqueue(rm, occupant, encoded)
	}
}

func (r *Relay) handleLeave(req leaveRequest) {
	rm, ok := r.rooms[req.roomID]
	if !ok {
		return
	}
	if _, present := rm.occupants[req.participant]; !present {
		return
	}

	delete(rm.occupants, req.participant)
	close(req.participant.send)

	if departure, err := json.Marshal(Envelope{
		Type:   EventUserLeft,
		RoomID: req.roomID,
		From:   req.participant.userID,
		Role:   req.participant.role,
	}); err == nil {
		for occupant := range rm.occupants {
			r.enqueue(rm, occupant, departure)
		}
	}

	if len(rm.occupants) > 0 {
		return
	}

	delete(r.rooms, req.roomID)
	if rm.sawBoth && r.completer != nil {
		// Both participants joined and both have left: the call is over.
		sessionID := rm.sessionID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
			defer cancel()
			if err := r.completer.CompleteSession(ctx, sessionID); err != nil {
				log.Printf("relay complete session %d: %v", sessionID, err)
			}
		}()
	}
}

// enqueue drops slow consumers instead of blocking the relay loop.
func (r *Relay) enqueue(rm *room, p *Participant, payload []byte) {
	select {
	case p.send <- payload:
	default:
		delete(rm.occupants, p)
		close(p.send)
		if p.conn != nil {
			_ = p.conn.Close()
		}
	}
}
