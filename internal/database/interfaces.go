package database

import (
	"context"

	"chatsync/internal/models"
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type ContactRepository interface {
	ListDirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error)
	ListGroups(ctx context.Context, userID string) ([]models.GroupContact, error)
}

type ConversationRepository interface {
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)
	TouchConversation(ctx context.Context, conversationID string) error
}

type MessageRepository interface {
	SaveMessage(ctx context.Context, conversationID, senderID, content string) (*models.ChatMessage, error)
	LoadRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
}

type Database interface {
	UserRepository
	ContactRepository
	ConversationRepository
	MessageRepository
	Ping(ctx context.Context) error
	Close() error
}
