// Package spchat implements the client side of the live chat backend
// protocol: chat establishment, the per-chat event poll loop, client event
// submission and the file transfer endpoints.
package spchat

// Backend event names. The same vocabulary is used in both directions;
// the server additionally emits session lifecycle events.
const (
	EventChatSessionMessage        = "chat_session_message"
	EventChatSessionTyping         = "chat_session_typing"
	EventChatSessionNotTyping      = "chat_session_not_typing"
	EventChatSessionPartyJoined    = "chat_session_party_joined"
	EventChatSessionPartyLeft      = "chat_session_party_left"
	EventChatSessionFormShow       = "chat_session_form_show"
	EventChatSessionFormData       = "chat_session_form_data"
	EventChatSessionStatus         = "chat_session_status"
	EventChatSessionFile           = "chat_session_file"
	EventChatSessionLocation       = "chat_session_location"
	EventChatSessionEnded          = "chat_session_ended"
	EventChatSessionTimeoutWarning = "chat_session_timeout_warning"
)

// Event is one protocol event as carried on the wire. Fields are sparse;
// which ones are set depends on the event name.
type Event struct {
	Event       string `json:"event"`
	Msg         string `json:"msg,omitempty"`
	MsgID       string `json:"msg_id,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Type        string `json:"type,omitempty"`

	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`

	// FileURL is not a wire field. It is filled in locally for file events
	// with a relay-hosted download URL before the event reaches the handler.
	FileURL string `json:"-"`

	State string `json:"state,omitempty"`
	EWT   string `json:"ewt,omitempty"`

	FormRequestID string            `json:"form_request_id,omitempty"`
	FormName      string            `json:"form_name,omitempty"`
	FormData      map[string]string `json:"form_data,omitempty"`

	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// Handler consumes server events for one chat. userID is the identity the
// chat was established with, chatID the backend chat id.
type Handler func(userID, chatID string, ev Event)
