package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/types"
)

const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventMessage     = "message"
	EventChatMessage = "chat message"
	EventError       = "error"
	EventRoomDeleted = "room deleted"
)

var validate = validator.New()

// ClientMessage is the envelope of every inbound frame.
type ClientMessage struct {
	Event string          `json:"event" validate:"required,oneof=join-room leave-room message"`
	Data  json.RawMessage `json:"data" validate:"required"`
}

type RoomRequest struct {
	RoomId int `json:"room_id" validate:"required,gt=0"`
}

type Publish struct {
	RoomId  int    `json:"room_id" validate:"required,gt=0"`
	Content string `json:"content" validate:"max=4096"`
	Image   []byte `json:"image,omitempty"`
}

// inboundEvent is a decoded and validated ClientMessage.
type inboundEvent struct {
	kind    string
	roomId  int
	publish *Publish
}

// ServerMessage is the envelope of every outbound frame.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type RoomDeleted struct {
	RoomId int `json:"room_id"`
}

func decodeInto(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Err: fmt.Errorf("decode payload: %w", err)}
	}
	if err := validate.Struct(v); err != nil {
		return &ProtocolError{Err: err}
	}
	return nil
}

func parseClientMessage(raw []byte) (*inboundEvent, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if err := validate.Struct(msg); err != nil {
		return nil, &ProtocolError{Err: err}
	}

	switch msg.Event {
	case EventJoinRoom, EventLeaveRoom:
		var req RoomRequest
		if err := decodeInto(msg.Data, &req); err != nil {
			return nil, err
		}
		return &inboundEvent{kind: msg.Event, roomId: req.RoomId}, nil
	default:
		var pub Publish
		if err := decodeInto(msg.Data, &pub); err != nil {
			return nil, err
		}
		if err := validatePublish(&pub); err != nil {
			return nil, err
		}
		return &inboundEvent{kind: msg.Event, roomId: pub.RoomId, publish: &pub}, nil
	}
}

func validatePublish(pub *Publish) error {
	pub.Content = strings.TrimSpace(pub.Content)
	if pub.Content == "" && len(pub.Image) == 0 {
		return &ProtocolError{Err: errors.New("message has no content")}
	}

	if len(pub.Image) > 0 {
		mtype := mimetype.Detect(pub.Image)
		if !strings.HasPrefix(mtype.String(), "image/") {
			return &ProtocolError{Err: fmt.Errorf("unsupported image type %q", mtype.String())}
		}
	}

	return nil
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:          m.Id,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		UserId:      m.UserId,
		RoomId:      m.RoomId,
		MessageType: types.MessageType(m.MessageType),
		Image:       m.Image,
	}
}

func NewChatMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{
		Event: EventChatMessage,
		Data:  msg,
	}
}

func NewErrorMessage(err error) *ServerMessage {
	return &ServerMessage{
		Event: EventError,
		Data:  ErrorPayload{Message: errorText(err)},
	}
}

func NewRoomDeletedMessage(roomId int) *ServerMessage {
	return &ServerMessage{
		Event: EventRoomDeleted,
		Data:  RoomDeleted{RoomId: roomId},
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
