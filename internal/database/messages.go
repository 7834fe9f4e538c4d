package database

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/lib/pq"
)

const (
	messageColumns = "id, conversation_id, seq_id, sender_id, sender_name, content, message_type, attachments, correlation_id, created_at"

	defaultMessageLimit = 50
	maxMessageLimit     = 200
	previewLength       = 100
)

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		attachments []byte
	)
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SeqId,
		&m.SenderId,
		&m.SenderName,
		&m.Content,
		&m.MessageType,
		&attachments,
		&m.CorrelationId,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	return m, nil
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength])
}

// CreateMessage assigns the next sequence id, updates the conversation
// summary and inserts the message in a single transaction.
func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	attachments := params.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seqId int
	err = tx.QueryRowContext(ctx,
		"UPDATE conversations SET seq_id = seq_id + 1, last_message_content = $2, last_message_sender_id = $3, "+
			"last_message_sender_name = $4, last_message_type = $5, last_message_at = $6, "+
			"last_activity = GREATEST(last_activity, $6), updated_at = $6 WHERE id = $1 RETURNING seq_id",
		params.ConversationId,
		preview(params.Content),
		params.SenderId,
		params.SenderName,
		params.MessageType,
		params.CreatedAt,
	).Scan(&seqId)
	if err != nil {
		return Message{}, translateError(err)
	}

	m := Message{
		ConversationId: params.ConversationId,
		SeqId:          seqId,
		SenderId:       params.SenderId,
		SenderName:     params.SenderName,
		Content:        params.Content,
		MessageType:    params.MessageType,
		Attachments:    params.Attachments,
		CorrelationId:  params.CorrelationId,
		CreatedAt:      params.CreatedAt,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (conversation_id, seq_id, sender_id, sender_name, content, message_type, attachments, correlation_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id",
		m.ConversationId,
		m.SeqId,
		m.SenderId,
		m.SenderName,
		m.Content,
		m.MessageType,
		rawAttachments,
		m.CorrelationId,
		m.CreatedAt,
	).Scan(&m.Id)
	if err != nil {
		return Message{}, translateError(err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return m, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	m, err := scanMessage(row)
	return m, translateError(err)
}

// GetMessages returns up to limit messages with after < seq_id < before, in
// ascending sequence order. A zero bound is ignored.
func (db *PgChatRepository) GetMessages(ctx context.Context, conversationId, after, before, limit int) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 1
	if before > 0 {
		upper = before - 1
	}

	if after > 0 {
		lower = after + 1
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	// catching up after a seq id pages forward from it, anything else pages
	// back from the newest message
	forward := after > 0 && before == 0
	order := "DESC"
	if forward {
		order = "ASC"
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id "+order+" LIMIT $4",
		conversationId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// oldest first for callers
	if !forward {
		slices.Reverse(messages)
	}

	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]int, len(messages))
	for i, m := range messages {
		ids[i] = m.Id
	}
	reactions, err := db.loadReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Reactions = reactions[messages[i].Id]
	}

	return messages, nil
}

func (db *PgChatRepository) loadReactions(ctx context.Context, messageIds []int) (map[int][]Reaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, emoji, array_agg(account_id ORDER BY account_id) FROM message_reactions "+
			"WHERE message_id = ANY($1) GROUP BY message_id, emoji ORDER BY message_id, emoji",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reactions := make(map[int][]Reaction)
	for rows.Next() {
		var (
			messageId int
			emoji     string
			accounts  pq.Int64Array
		)
		if err := rows.Scan(&messageId, &emoji, &accounts); err != nil {
			return nil, err
		}
		reactions[messageId] = append(reactions[messageId], Reaction{Emoji: emoji, AccountIds: toInts(accounts)})
	}

	return reactions, rows.Err()
}

// ToggleReaction adds the reaction if absent and removes it otherwise, then
// returns the message's aggregated reactions.
func (db *PgChatRepository) ToggleReaction(ctx context.Context, messageId, accountId int, emoji string) ([]Reaction, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND account_id = $2 AND emoji = $3",
		messageId,
		accountId,
		emoji,
	)
	if err != nil {
		return nil, err
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if removed == 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO message_reactions (message_id, account_id, emoji) VALUES ($1, $2, $3)",
			messageId,
			accountId,
			emoji,
		)
		if err != nil {
			return nil, translateError(err)
		}
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT emoji, array_agg(account_id ORDER BY account_id) FROM message_reactions "+
			"WHERE message_id = $1 GROUP BY emoji ORDER BY emoji",
		messageId,
	)
	if err != nil {
		return nil, err
	}

	var reactions []Reaction
	for rows.Next() {
		var (
			e        string
			accounts pq.Int64Array
		)
		if err = rows.Scan(&e, &accounts); err != nil {
			rows.Close()
			return nil, err
		}
		reactions = append(reactions, Reaction{Emoji: e, AccountIds: toInts(accounts)})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return reactions, nil
}

func toInts(in pq.Int64Array) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
