package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"chatsync/internal/database"
	"chatsync/internal/models"
	"chatsync/pkg/logger"
)

var ErrNotAMember = errors.New("not a member of this conversation")

// ContactStore is the slice of the database the contact service needs.
type ContactStore interface {
	database.ContactRepository
	database.ConversationRepository
	database.MessageRepository
}

// ContactService serves contact lists and conversation messages from the
// local database. It satisfies contacts.Source and the gateway's
// ConversationStore.
type ContactService struct {
	db ContactStore
}

func NewContactService(db ContactStore) *ContactService {
	return &ContactService{db: db}
}

func (s *ContactService) DirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error) {
	return s.db.ListDirectContacts(ctx, userID)
}

func (s *ContactService) Groups(ctx context.Context, userID string) ([]models.GroupContact, error) {
	return s.db.ListGroups(ctx, userID)
}

func (s *ContactService) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	members, err := s.db.ConversationMembers(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation %s: %w", conversationID, err)
	}
	return members, nil
}

// SaveMessage persists a message and bumps the conversation's updatedAt so
// it sorts first in the merged contact list.
func (s *ContactService) SaveMessage(ctx context.Context, conversationID, senderID, content string) (*models.ChatMessage, error) {
	msg, err := s.db.SaveMessage(ctx, conversationID, senderID, content)
	if err != nil {
		return nil, err
	}
	if err := s.db.TouchConversation(ctx, conversationID); err != nil {
		logger.Warn("Failed to bump conversation %s: %v", conversationID, err)
	}
	return msg, nil
}

// RecentMessages returns up to limit messages, oldest first, for a member
// of the conversation.
func (s *ContactService) RecentMessages(ctx context.Context, userID, conversationID string, limit int) ([]*models.ChatMessage, error) {
	members, err := s.ConversationMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, userID) {
		return nil, ErrNotAMember
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.db.LoadRecentMessages(ctx, conversationID, limit)
}
