package types

const (
	MessageUpdate      = "update"
	MessageGlobalStats = "global_stats"
	MessageAuth        = "auth"
	MessageError       = "error"
)

// DeltaMessage is pushed to one user after a tick touched their row.
type DeltaMessage struct {
	Type     string   `json:"type"`
	Balance  *float64 `json:"balance,omitempty"`
	Energy   *float64 `json:"energy,omitempty"`
	IsMining *bool    `json:"isMining,omitempty"`
}

// StatsMessage is broadcast to every open connection once per tick.
type StatsMessage struct {
	Type         string  `json:"type"`
	Online       int     `json:"online"`
	TotalMined   float64 `json:"totalMined"`
	CurrentBlock int64   `json:"currentBlock"`
	TotalBurned  float64 `json:"totalBurned"`
}

// AuthMessage is the client handshake sent over a live connection.
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewDeltaMessage(balance, energy *float64, mining *bool) DeltaMessage {
	return DeltaMessage{Type: MessageUpdate, Balance: balance, Energy: energy, IsMining: mining}
}
