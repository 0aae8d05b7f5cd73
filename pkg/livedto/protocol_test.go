package livedto

import (
	"errors"
	"testing"
)

func TestDecodeCommand_Move(t *testing.T) {
	raw := []byte(`{"type":"MOVE","payload":{"uci":"e2e4","clientMoveId":"c-1"}}`)
	cmd, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	mv, ok := cmd.(MoveCommand)
	if !ok {
		t.Fatalf("expected MoveCommand, got %T", cmd)
	}
	if mv.UCI != "e2e4" || mv.ClientMoveID != "c-1" {
		t.Fatalf("unexpected payload: %+v", mv)
	}
}

func TestDecodeCommand_NoPayloadKinds(t *testing.T) {
	cases := map[string]MessageType{
		`{"type":"RESIGN"}`:       TypeResign,
		`{"type":"OFFER_DRAW"}`:   TypeOfferDraw,
		`{"type":"ACCEPT_DRAW"}`:  TypeAcceptDraw,
		`{"type":"DECLINE_DRAW"}`: TypeDeclineDraw,
	}
	for raw, want := range cases {
		cmd, err := DecodeCommand([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeCommand(%s): %v", raw, err)
		}
		if cmd.CommandType() != want {
			t.Fatalf("DecodeCommand(%s) = %s, want %s", raw, cmd.CommandType(), want)
		}
	}
}

func TestDecodeCommand_Unknown(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"TAKEBACK"}`))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if _, err := DecodeCommand([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestEncodeEvent_RoundTripsThroughDecode(t *testing.T) {
	raw, err := EncodeEvent(MoveRejectedEvent{ClientMoveID: "c-9", Code: CodeIllegalMove, Reason: "illegal move"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	rej, ok := ev.(MoveRejectedEvent)
	if !ok || rej.ClientMoveID != "c-9" || rej.Code != CodeIllegalMove {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestEncodeEvent_GameStateIsFlat(t *testing.T) {
	raw, err := EncodeEvent(GameStateEvent{GameState: GameState{GameID: "g1", Ply: 3}})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	st := ev.(GameStateEvent)
	if st.GameID != "g1" || st.Ply != 3 {
		t.Fatalf("unexpected state: %+v", st.GameState)
	}
}
