package channel

import "encoding/json"

// Wire event names, matching the backend's socket vocabulary.
const (
	EventSendMessage           = "send_message"
	EventReceiveMessage        = "receive_message"
	EventStartScreenSharing    = "start_screen_sharing"
	EventScreenSharingResponse = "screen_sharing_response"
	EventConnectionStatus      = "connection_status"
	EventServerReady           = "server_ready"
	EventError                 = "error"
	EventPingServer            = "ping_server"
)

// Envelope is the transport frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HistoryEntry is one prior turn carried in an outbound request's context
// window.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendMessagePayload is the outbound chat request.
type SendMessagePayload struct {
	Message            string         `json:"message"`
	Model              string         `json:"model"`
	History            []HistoryEntry `json:"history"`
	SystemInstructions string         `json:"systemInstructions"`
	Temperature        float64        `json:"temperature"`
	EnableVoice        bool           `json:"enable_voice"`
}

// ReceiveMessagePayload is the inbound answer to a chat request.
type ReceiveMessagePayload struct {
	Response   string `json:"response"`
	Audio      string `json:"audio,omitempty"`
	VoiceError string `json:"voice_error,omitempty"`
}

// StartScreenSharingPayload is the outbound screen analysis request.
type StartScreenSharingPayload struct {
	ScreenData string `json:"screen_data"`
	Model      string `json:"model"`
}

// ScreenSharingResponsePayload is the inbound answer to a screen request.
type ScreenSharingResponsePayload struct {
	Response string `json:"response"`
}

// ErrorPayload is the backend's application-level failure report.
type ErrorPayload struct {
	Error string `json:"error"`
}

// PingPayload is the periodic liveness probe.
type PingPayload struct {
	Timestamp float64 `json:"timestamp"`
}

// StatusPayload covers connection_status and server_ready info events.
type StatusPayload struct {
	Status string  `json:"status"`
	SID    string  `json:"sid,omitempty"`
	Time   float64 `json:"time,omitempty"`
}
