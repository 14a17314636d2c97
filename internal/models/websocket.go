package models

type MessageType string

// Inbound events.
const (
	MessageTypeJoinSession        MessageType = "join-session"
	MessageTypeSubmitEdit         MessageType = "submit-edit"
	MessageTypeLeaveSession       MessageType = "leave-session"
	MessageTypeSendMessage        MessageType = "send-message"
	MessageTypeSelectConversation MessageType = "select-conversation"
	MessageTypeGetUnread          MessageType = "get-unread"
)

// Outbound events.
const (
	MessageTypeSessionJoined       MessageType = "session-joined"
	MessageTypeParticipantsUpdated MessageType = "participants-updated"
	MessageTypeContentUpdated      MessageType = "content-updated"
	MessageTypeError               MessageType = "error"
	MessageTypeMessage             MessageType = "message"
	MessageTypeUnreadUpdated       MessageType = "unread-updated"
	MessageTypeUnreadCounts        MessageType = "unread-counts"
	MessageTypePresenceChanged     MessageType = "presence-changed"
)

type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// WebSocketMessage is the single frame shape for every event in both
// directions. Content, Count and Online are pointers so that an empty
// buffer, a zero count and "offline" survive omitempty.
type WebSocketMessage struct {
	Type           MessageType    `json:"type"`
	SessionID      string         `json:"session_id,omitempty"`
	Participant    *Participant   `json:"participant,omitempty"`
	Participants   []Participant  `json:"participants,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Content        *string        `json:"content,omitempty"`
	WriterID       string         `json:"writer_id,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Text           string         `json:"text,omitempty"`
	Sender         *Participant   `json:"sender,omitempty"`
	Count          *int           `json:"count,omitempty"`
	Counts         map[string]int `json:"counts,omitempty"`
	Online         *bool          `json:"online,omitempty"`
	Code           string         `json:"code,omitempty"`
	Message        string         `json:"message,omitempty"`
}

func StringPtr(s string) *string { return &s }

func IntPtr(i int) *int { return &i }

func BoolPtr(b bool) *bool { return &b }
