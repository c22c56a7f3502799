package models

// MConnectionStatus is the push-channel lifecycle state for one stream.
type MConnectionStatus int32

const (
	ConnIdle MConnectionStatus = iota
	ConnConnecting
	ConnOpen
	ConnReconnectWait
)

func (s MConnectionStatus) String() string {
	switch s {
	case ConnIdle:
		return "IDLE"
	case ConnConnecting:
		return "CONNECTING"
	case ConnOpen:
		return "OPEN"
	case ConnReconnectWait:
		return "RECONNECT_WAIT"
	default:
		return "UNKNOWN"
	}
}

func (s MConnectionStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// -----------------------------------------------------------------------------

// MFeedStatus is the exported operational snapshot of one feed.
type MFeedStatus struct {
	Name          string            `json:"name"`
	Connection    MConnectionStatus `json:"connection"`
	LastMessageAt int64             `json:"last_message_at"`
	FailureCount  int64             `json:"failure_count"`
	ParseDrops    int64             `json:"parse_drops"`
	Symbols       []string          `json:"symbols"`
}
