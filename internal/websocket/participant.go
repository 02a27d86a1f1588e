package callws

import (
	"context"
	"encoding/json"
	"errors"

	websocket "github.com/gofiber/contrib/websocket"

	"github.com/Shuvikm/batman-ai-mentor/internal/services"
)

type sessionJoiner interface {
	JoinSession(ctx context.Context, actorID int64, sessionID int64) (*services.JoinInfo, error)
}

// Participant is one websocket connection. role and the room binding are set
// by ReadPump after a successful join and never change afterwards.
type Participant struct {
	relay  *Relay
	conn   *websocket.Conn
	userID int64
	role   string
	send   chan []byte
}

func NewParticipant(relay *Relay, conn *websocket.Conn, userID int64) *Participant {
	return &Participant{
		relay:  relay,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 32),
	}
}

// ReadPump drives the connection. The first accepted event must be
// join-session; the session service authorizes the caller and transitions the
// session before the relay admits the connection to the room.
func (p *Participant) ReadPump(joiner sessionJoiner) {
	var (
		roomID string
		joined bool
	)
	defer func() {
		if joined {
			p.relay.Leave(roomID, p)
		} else {
			close(p.send)
		}
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageBytes)

	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			p.writeError("invalid message payload")
			continue
		}

		switch env.Type {
		case EventJoinSession:
			if joined {
				p.writeError("already joined a session")
				continue
			}
			if env.SessionID <= 0 {
				p.writeError("invalid session id")
				continue
			}

			info, err := joiner.JoinSession(context.Background(), p.userID, env.SessionID)
			if err != nil {
				p.writeError(joinErrorMessage(err))
				continue
			}

			p.role = info.Role
			if err := p.relay.Join(info.RoomID, info.SessionID, p); err != nil {
				p.writeError(joinErrorMessage(err))
				continue
			}
			roomID = info.RoomID
			joined = true

			if ack, err := json.Marshal(Envelope{
				Type:      EventJoined,
				SessionID: info.SessionID,
				RoomID:    info.RoomID,
				Role:      info.Role,
			}); err == nil {
				p.deliver(ack)
			}

		case EventOffer, EventAnswer, EventICECandidate, EventSessionMessage:
			if !joined {
				p.writeError("join a session first")
				continue
			}
			p.relay.Forward(roomID, p, env.Type, env.Payload)

		default:
			p.writeError("unsupported message type")
		}
	}
}

func (p *Participant) WritePump() {
	defer func() {
		_ = p.conn.Close()
	}()

	for payload := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (p *Participant) writeError(message string) {
	payload, err := json.Marshal(Envelope{Type: EventError, Error: message})
	if err != nil {
		return
	}
	p.deliver(payload)
}

func (p *Participant) deliver(payload []byte) {
	select {
	case p.send <- payload:
	default:
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "room is full"
	case errors.Is(err, services.ErrNotAuthorized):
		return "not authorized to join this session"
	case errors.Is(err, services.ErrSessionNotReady):
		return "session is not ready"
	case errors.Is(err, services.ErrInvalidStateTransition):
		return "session is not joinable"
	default:
		return "failed to join session"
	}
}
