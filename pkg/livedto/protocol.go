package livedto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates every frame on the real-time channel.
type MessageType string

// Client → server.
const (
	TypeMove        MessageType = "MOVE"
	TypeResign      MessageType = "RESIGN"
	TypeOfferDraw   MessageType = "OFFER_DRAW"
	TypeAcceptDraw  MessageType = "ACCEPT_DRAW"
	TypeDeclineDraw MessageType = "DECLINE_DRAW"
)

// Server → client.
const (
	TypeGameState       MessageType = "GAME_STATE"
	TypeMovePlayed      MessageType = "MOVE_PLAYED"
	TypeDrawOffered     MessageType = "DRAW_OFFERED"
	TypeDrawDeclined    MessageType = "DRAW_DECLINED"
	TypeMoveAccepted    MessageType = "MOVE_ACCEPTED"
	TypeMoveRejected    MessageType = "MOVE_REJECTED"
	TypeCommandRejected MessageType = "COMMAND_REJECTED"
	TypeGameFinished    MessageType = "GAME_FINISHED"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Envelope is the wire frame: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is an inbound frame. The set of implementations is closed.
type Command interface {
	CommandType() MessageType
}

type MoveCommand struct {
	UCI          string `json:"uci"`
	ClientMoveID string `json:"clientMoveId,omitempty"`
}

type ResignCommand struct{}
type OfferDrawCommand struct{}
type AcceptDrawCommand struct{}
type DeclineDrawCommand struct{}

func (MoveCommand) CommandType() MessageType        { return TypeMove }
func (ResignCommand) CommandType() MessageType      { return TypeResign }
func (OfferDrawCommand) CommandType() MessageType   { return TypeOfferDraw }
func (AcceptDrawCommand) CommandType() MessageType  { return TypeAcceptDraw }
func (DeclineDrawCommand) CommandType() MessageType { return TypeDeclineDraw }

// Event is an outbound frame. The set of implementations is closed.
type Event interface {
	EventType() MessageType
}

type GameStateEvent struct {
	GameState
}

type MovePlayedEvent struct {
	Move       Move   `json:"move"`
	Clocks     Clocks `json:"clocks"`
	SideToMove string `json:"sideToMove"`
}

type DrawOfferedEvent struct {
	By string `json:"by"`
}

type DrawDeclinedEvent struct {
	By string `json:"by"`
}

type MoveAcceptedEvent struct {
	ClientMoveID string `json:"clientMoveId,omitempty"`
	Ply          int    `json:"ply"`
	FEN          string `json:"fen"`
	Clocks       Clocks `json:"clocks"`
}

type MoveRejectedEvent struct {
	ClientMoveID string `json:"clientMoveId,omitempty"`
	Code         string `json:"code"`
	Reason       string `json:"reason"`
}

type CommandRejectedEvent struct {
	Command MessageType `json:"command"`
	Code    string      `json:"code"`
	Reason  string      `json:"reason"`
}

type GameFinishedEvent struct {
	Result   string `json:"result"`
	Reason   string `json:"reason"`
	WinnerID string `json:"winnerId,omitempty"`
}

func (GameStateEvent) EventType() MessageType       { return TypeGameState }
func (MovePlayedEvent) EventType() MessageType      { return TypeMovePlayed }
func (DrawOfferedEvent) EventType() MessageType     { return TypeDrawOffered }
func (DrawDeclinedEvent) EventType() MessageType    { return TypeDrawDeclined }
func (MoveAcceptedEvent) EventType() MessageType    { return TypeMoveAccepted }
func (MoveRejectedEvent) EventType() MessageType    { return TypeMoveRejected }
func (CommandRejectedEvent) EventType() MessageType { return TypeCommandRejected }
func (GameFinishedEvent) EventType() MessageType    { return TypeGameFinished }

func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil command")
	}
	return encode(c.CommandType(), c)
}

func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}
	return encode(e.EventType(), e)
}

func encode(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: payload})
}

// DecodeCommand parses an inbound frame into its concrete command type.
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeMove:
		var c MoveCommand
		if err := unmarshalPayload(env, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeResign:
		return ResignCommand{}, nil
	case TypeOfferDraw:
		return OfferDrawCommand{}, nil
	case TypeAcceptDraw:
		return AcceptDrawCommand{}, nil
	case TypeDeclineDraw:
		return DeclineDrawCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// DecodeEvent parses an outbound frame; used by clients and tests.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeGameState:
		var e GameStateEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeMovePlayed:
		var e MovePlayedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeDrawOffered:
		var e DrawOfferedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeDrawDeclined:
		var e DrawDeclinedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeMoveAccepted:
		var e MoveAcceptedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeMoveRejected:
		var e MoveRejectedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeCommandRejected:
		var e CommandRejectedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	case TypeGameFinished:
		var e GameFinishedEvent
		err = unmarshalPayload(env, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
