package domain

// SessionInfo is a read-only view of a session for APIs (no transport fields).
type SessionInfo struct {
	Token    Token `json:"token"`
	Producer bool  `json:"producer"`
	Viewers  int   `json:"viewers"`
	Chunks   int   `json:"chunks"`
}
