package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/swipehire/matchchat/internal/model"
)

type CreateMessageParams struct {
	MatchID      string
	SenderID     string
	ReceiverID   string
	Content      string
	ClientTempID pgtype.Text
	CreatedAt    pgtype.Timestamptz
}

const createMessage = `
INSERT INTO messages (id, match_id, sender_id, receiver_id, content, client_temp_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, match_id, sender_id, receiver_id, content, client_temp_id, read, created_at`

// CreateMessage stores a message. The database does not generate the id;
// it is assigned here so it can be echoed before any read-back.
func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) (model.ChatMessage, error) {
	if !arg.CreatedAt.Valid {
		arg.CreatedAt = pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	}

	row := q.db.QueryRow(ctx, createMessage, model.NewObjectID(), arg.MatchID, arg.SenderID,
		arg.ReceiverID, arg.Content, arg.ClientTempID, arg.CreatedAt)
	msg, err := scanMessage(row)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// The inner query picks the newest rows, the outer one restores
// chronological order.
const listMessages = `
SELECT id, match_id, sender_id, receiver_id, content, client_temp_id, read, created_at
FROM (
    SELECT id, match_id, sender_id, receiver_id, content, client_temp_id, read, created_at
    FROM messages
    WHERE match_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT $2
) recent
ORDER BY created_at ASC, id ASC`

// ListMessages returns the latest limit messages of a match, oldest first.
func (q *Queries) ListMessages(ctx context.Context, matchID string, limit int) ([]model.ChatMessage, error) {
	rows, err := q.db.Query(ctx, listMessages, matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChatMessage, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return msgs, nil
}

const markMessagesRead = `
UPDATE messages
SET read = TRUE
WHERE match_id = $1 AND receiver_id = $2 AND NOT read`

// MarkMessagesRead flags every message in the match addressed to readerID
// as read and returns how many changed.
func (q *Queries) MarkMessagesRead(ctx context.Context, matchID, readerID string) (int64, error) {
	tag, err := q.db.Exec(ctx, markMessagesRead, matchID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (model.ChatMessage, error) {
	var (
		m         model.ChatMessage
		tempID    pgtype.Text
		createdAt pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.MatchID, &m.SenderID, &m.ReceiverID, &m.Text, &tempID, &m.Read, &createdAt)
	if err != nil {
		return model.ChatMessage{}, err
	}
	m.ClientTempID = tempID.String
	m.CreatedAt = createdAt.Time
	return m, nil
}
