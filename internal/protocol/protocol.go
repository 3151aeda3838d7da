package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeCmd     = "CMD"
	TypeMove    = "MOVE"
	TypeResult  = "RESULT"
	TypeOutline = "OUTLINE"
)

// Command verbs carried by CMD.
const (
	VerbAdd     = "add"
	VerbRemove  = "remove"
	VerbList    = "list"
	VerbShow    = "show"
	VerbMode    = "mode"
	VerbEnable  = "enable"
	VerbDisable = "disable"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
