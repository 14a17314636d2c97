package models

import "time"

type ContactKind string

const (
	ContactKindDirect ContactKind = "direct"
	ContactKindGroup  ContactKind = "group"
)

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// DirectContact is one row of the caller's DM list.
type DirectContact struct {
	ID          string    `json:"id"`
	Counterpart UserRef   `json:"counterpart"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupContact is a group conversation; Members keeps insertion order.
type GroupContact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []UserRef `json:"members"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is one entry of the merged display list.
type Contact struct {
	ID            string      `json:"id"`
	Kind          ContactKind `json:"kind"`
	Name          string      `json:"name"`
	Counterpart   *UserRef    `json:"counterpart,omitempty"`
	Members       []UserRef   `json:"members,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Online        bool        `json:"online"`
	OnlineMembers int         `json:"online_members,omitempty"`
}

type ChatMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
