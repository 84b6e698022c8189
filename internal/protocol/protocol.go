// Package protocol defines the frames exchanged over the real-time channel.
package protocol

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

type Kind string

// Client to server.
const (
	KindJoin         Kind = "join"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindAddNote      Kind = "add-note"
	KindChatMessage  Kind = "chat-message"
	KindEnd          Kind = "end"
)

// Server to client. KindChatMessage and the relay kinds are also sent.
const (
	KindJoined     Kind = "joined"
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
	KindNoteAdded  Kind = "note-added"
	KindCallEnded  Kind = "call-ended"
	KindError      Kind = "error"
)

// Relayed reports whether frames of this kind are forwarded verbatim to the
// other occupant of the room.
func (k Kind) Relayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindEnd:
		return true
	}
	return false
}

type Code string

const (
	CodeUnauthenticated    Code = "Unauthenticated"
	CodeInvalidMessage     Code = "InvalidMessage"
	CodeNotAuthorized      Code = "NotAuthorized"
	CodePaymentRequired    Code = "PaymentRequired"
	CodeRoomFull           Code = "RoomFull"
	CodeChatLocked         Code = "ChatLocked"
	CodeNotJoined          Code = "NotJoined"
	CodeConsultationClosed Code = "ConsultationClosed"
	CodeRateLimited        Code = "RateLimited"
	CodeInternal           Code = "Internal"
)

// MaxTextLength bounds note and chat bodies, in characters.
const MaxTextLength = 5000

var ErrInvalidMessage = errors.New("invalid message")

// Frame is the single envelope for every message in either direction.
// Fields unused by a kind are omitted on the wire.
type Frame struct {
	Type           Kind            `json:"type"`
	ConsultationID string          `json:"consultationId,omitempty"`
	RoomID         string          `json:"roomId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Text           string          `json:"text,omitempty"`

	ID     string     `json:"id,omitempty"`
	UserID string     `json:"userId,omitempty"`
	Role   string     `json:"role,omitempty"`
	Phase  string     `json:"phase,omitempty"`
	At     *time.Time `json:"at,omitempty"`

	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses and validates a client frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch f.Type {
	case KindJoin:
		if f.ConsultationID == "" || f.RoomID == "" {
			return Frame{}, fmt.Errorf("%w: join needs consultationId and roomId", ErrInvalidMessage)
		}
	case KindOffer, KindAnswer, KindICECandidate, KindEnd:
	case KindAddNote, KindChatMessage:
		if err := ValidateText(f.Text); err != nil {
			return Frame{}, err
		}
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, f.Type)
	}
	return f, nil
}

// ValidateText checks a note or chat body.
func ValidateText(text string) error {
	n := utf8.RuneCountInString(text)
	if n == 0 || n > MaxTextLength {
		return fmt.Errorf("%w: text must be 1-%d characters", ErrInvalidMessage, MaxTextLength)
	}
	return nil
}

func Encode(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Only a malformed Payload can fail here.
		data, _ = json.Marshal(Error(CodeInternal, "could not encode frame"))
	}
	return data
}

func Error(code Code, message string) Frame {
	return Frame{Type: KindError, Code: code, Message: message}
}
