package protocol_test

import (
	"encoding/json"
	"testing"

	"chunkanchor.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	valid := map[string]string{
		protocol.TypeHello: `{"type":"HELLO","protocol_version":"1.0","owner_id":"A","world":"world","x":10,"z":-4}`,
		protocol.TypeCmd:   `{"type":"CMD","protocol_version":"1.0","id":"1","verb":"mode","name":"base","policy":"always"}`,
		protocol.TypeMove:  `{"type":"MOVE","protocol_version":"1.0","world":"world_nether","x":0,"z":0}`,
	}
	for typ, raw := range valid {
		if err := protocol.Validate(typ, []byte(raw)); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}

	if err := protocol.Validate(protocol.TypeCmd, []byte(`{"type":"CMD","protocol_version":"1.0","verb":"list"}`)); err != nil {
		t.Fatalf("list needs no name: %v", err)
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	cases := []struct {
		typ string
		raw string
	}{
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0","world":"world","x":0,"z":0}`},
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0","owner_id":"a b","world":"world","x":0,"z":0}`},
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0","owner_id":"A","world":"world","x":1.5,"z":0}`},
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0","owner_id":"A","world":"world","x":0,"z":0,"passive":"yes"}`},
		{protocol.TypeCmd, `{"type":"CMD","protocol_version":"1.0","verb":"teleport"}`},
		{protocol.TypeCmd, `{"type":"CMD","protocol_version":"1.0","verb":"add"}`},
		{protocol.TypeCmd, `{"type":"CMD","protocol_version":"1.0","verb":"mode","name":"base"}`},
		{protocol.TypeMove, `{"type":"MOVE","protocol_version":"1.0","world":"","x":0,"z":0}`},
	}
	for _, c := range cases {
		if err := protocol.Validate(c.typ, []byte(c.raw)); err == nil {
			t.Fatalf("expected rejection: %s", c.raw)
		}
	}
	if err := protocol.Validate("NOPE", []byte(`{}`)); err == nil {
		t.Fatalf("unknown type should fail")
	}
}

func TestSchemas_ServerMessages(t *testing.T) {
	v := protocol.AnchorView{Name: "base", World: "world", Policy: "DEFAULT", EffectivePolicy: "PLAYER_ONLINE", Enabled: true}
	res := protocol.ResultMsg{
		Type: protocol.TypeResult, ProtocolVersion: protocol.Version,
		Verb: protocol.VerbAdd, OK: true, Anchor: &v, Enabled: 1, Limit: 3,
	}
	fail := protocol.ResultMsg{
		Type: protocol.TypeResult, ProtocolVersion: protocol.Version,
		Verb: protocol.VerbAdd, Code: protocol.ErrLimitReached, Message: "limit", Enabled: 3, Limit: 3,
	}
	outline := protocol.OutlineMsg{
		Type: protocol.TypeOutline, ProtocolVersion: protocol.Version,
		Name: "base", World: "world", MinX: -16, MaxX: 32, MinZ: -16, MaxZ: 32,
		Corners: [][2]int{{-16, -16}}, Final: true,
	}
	for typ, msg := range map[string]any{protocol.TypeResult: res, "RESULT_FAIL": fail, protocol.TypeOutline: outline} {
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if typ == "RESULT_FAIL" {
			typ = protocol.TypeResult
		}
		if err := protocol.Validate(typ, b); err != nil {
			t.Fatalf("%s: %v\n%s", typ, err, b)
		}
	}
}
