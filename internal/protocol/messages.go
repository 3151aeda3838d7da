package protocol

// HELLO (client -> server). The owner joins presence at the given position
// unless Passive is set; passive sessions run commands without counting as
// online.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	OwnerID         string `json:"owner_id"`
	World           string `json:"world"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
	Passive         bool   `json:"passive,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	OwnerID         string `json:"owner_id"`
	Limit           int    `json:"limit"`
	ChunkRadius     int    `json:"chunk_radius"`
	DefaultPolicy   string `json:"default_policy"`
	OnlineOwners    int    `json:"online_owners"`
}

// CMD (client -> server)
type CmdMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Verb            string `json:"verb"`
	Name            string `json:"name,omitempty"`
	Policy          string `json:"policy,omitempty"`
}

// MOVE (client -> server) updates the owner's position; add uses it.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	World           string `json:"world"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
}

// RESULT (server -> client) answers one CMD.
type ResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ID              string       `json:"id,omitempty"`
	Verb            string       `json:"verb"`
	OK              bool         `json:"ok"`
	Code            string       `json:"code,omitempty"`
	Message         string       `json:"message,omitempty"`
	Anchor          *AnchorView  `json:"anchor,omitempty"`
	Anchors         []AnchorView `json:"anchors,omitempty"`
	Enabled         int          `json:"enabled"`
	Limit           int          `json:"limit"`
}

type AnchorView struct {
	Name            string `json:"name"`
	World           string `json:"world"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
	ChunkX          int    `json:"chunk_x"`
	ChunkZ          int    `json:"chunk_z"`
	Policy          string `json:"policy"`
	EffectivePolicy string `json:"effective_policy"`
	Enabled         bool   `json:"enabled"`
	Resident        bool   `json:"resident"`
	// ResidencyCode is set when the anchor should be resident but its
	// regions could not be loaded.
	ResidencyCode string `json:"residency_code,omitempty"`
}

// OUTLINE (server -> client) is one visualization frame of an anchor's
// footprint boundary.
type OutlineMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Name            string   `json:"name"`
	World           string   `json:"world"`
	MinX            int      `json:"min_x"`
	MaxX            int      `json:"max_x"`
	MinZ            int      `json:"min_z"`
	MaxZ            int      `json:"max_z"`
	Corners         [][2]int `json:"corners"`
	Edge            [][2]int `json:"edge"`
	Final           bool     `json:"final,omitempty"`
}
