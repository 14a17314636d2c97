package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"chatsync/internal/models"
	"chatsync/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// EnsureSchema creates missing tables. It is idempotent.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (username, email, password_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, username, email, created_at`

	user := &models.User{}
	err = db.pool.QueryRow(ctx, query, req.Username, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, email, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return user, nil
}

// Contact Repository Implementation
func (db *PostgresDB) ListDirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error) {
	query := `
		SELECT dc.id, u.id, u.username, dc.updated_at
		FROM direct_contacts dc
		JOIN users u ON u.id = CASE WHEN dc.user_a = $1 THEN dc.user_b ELSE dc.user_a END
		WHERE dc.user_a = $1 OR dc.user_b = $1
		ORDER BY dc.updated_at DESC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []models.DirectContact{}
	for rows.Next() {
		var c models.DirectContact
		if err := rows.Scan(&c.ID, &c.Counterpart.ID, &c.Counterpart.Username, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

func (db *PostgresDB) ListGroups(ctx context.Context, userID string) ([]models.GroupContact, error) {
	query := `
		SELECT g.id, g.name, g.updated_at, u.id, u.username
		FROM groups g
		JOIN group_members me ON me.group_id = g.id AND me.user_id = $1
		JOIN group_members gm ON gm.group_id = g.id
		JOIN users u ON u.id = gm.user_id
		ORDER BY g.updated_at DESC, g.id, gm.position`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []models.GroupContact{}
	for rows.Next() {
		var (
			g      models.GroupContact
			member models.UserRef
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.UpdatedAt, &member.ID, &member.Username); err != nil {
			return nil, err
		}
		// Rows of one group are contiguous.
		if n := len(groups); n > 0 && groups[n-1].ID == g.ID {
			groups[n-1].Members = append(groups[n-1].Members, member)
			continue
		}
		g.Members = []models.UserRef{member}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// Conversation Repository Implementation

// ConversationMembers resolves a direct contact or group id to its users.
// Unknown ids yield an empty list.
func (db *PostgresDB) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	query := `
		SELECT user_a FROM direct_contacts WHERE id = $1
		UNION ALL
		SELECT user_b FROM direct_contacts WHERE id = $1
		UNION ALL
		SELECT user_id FROM group_members WHERE group_id = $1`

	rows, err := db.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}

	return members, rows.Err()
}

func (db *PostgresDB) TouchConversation(ctx context.Context, conversationID string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE direct_contacts SET updated_at = NOW() WHERE id = $1", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "UPDATE groups SET updated_at = NOW() WHERE id = $1", conversationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Message Repository Implementation
func (db *PostgresDB) SaveMessage(ctx context.Context, conversationID, senderID, content string) (*models.ChatMessage, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at`

	msg := &models.ChatMessage{ConversationID: conversationID, SenderID: senderID, Content: content}
	if err := db.pool.QueryRow(ctx, query, conversationID, senderID, content).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (db *PostgresDB) LoadRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		msg := &models.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
