package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

const conversationColumns = "c.id, c.external_id, c.is_group, c.name, c.description, c.avatar, c.admin_id, " +
	"c.direct_key, c.seq_id, c.last_message_content, c.last_message_sender_id, c.last_message_sender_name, " +
	"c.last_message_type, c.last_message_at, c.last_activity, c.created_at, c.updated_at"

const participantsQuery = "SELECT p.conversation_id, p.account_id, a.username, a.display_name, p.last_read_seq_id, p.joined_at " +
	"FROM participants p JOIN accounts a ON a.id = p.account_id " +
	"WHERE p.conversation_id = ANY($1) ORDER BY p.conversation_id, p.joined_at, p.account_id"

// unreadCountExpr counts messages from other senders past the participant's
// read marker. It expects participants aliased as p.
const unreadCountExpr = "(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = p.conversation_id " +
	"AND m.seq_id > p.last_read_seq_id AND m.sender_id <> p.account_id)"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanConversation(row rowScanner, extra ...any) (Conversation, error) {
	var (
		c            Conversation
		adminId      sql.NullInt64
		directKey    sql.NullString
		lmContent    sql.NullString
		lmSenderId   sql.NullInt64
		lmSenderName sql.NullString
		lmType       sql.NullString
		lmAt         sql.NullTime
	)

	dest := []any{
		&c.Id,
		&c.ExternalId,
		&c.IsGroup,
		&c.Name,
		&c.Description,
		&c.Avatar,
		&adminId,
		&directKey,
		&c.SeqId,
		&lmContent,
		&lmSenderId,
		&lmSenderName,
		&lmType,
		&lmAt,
		&c.LastActivity,
		&c.CreatedAt,
		&c.UpdatedAt,
	}

	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Conversation{}, err
	}

	c.AdminId = int(adminId.Int64)
	c.DirectKey = directKey.String
	if lmAt.Valid {
		c.LastMessage = &LastMessage{
			Content:     lmContent.String,
			SenderId:    int(lmSenderId.Int64),
			SenderName:  lmSenderName.String,
			MessageType: lmType.String,
			CreatedAt:   lmAt.Time,
		}
	}

	return c, nil
}

func loadParticipants(ctx context.Context, q queryer, conversationIds []int) (map[int][]Participant, error) {
	rows, err := q.QueryContext(ctx, participantsQuery, pq.Array(conversationIds))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make(map[int][]Participant, len(conversationIds))
	for rows.Next() {
		var (
			conversationId int
			p              Participant
		)
		if err := rows.Scan(&conversationId, &p.AccountId, &p.Username, &p.DisplayName, &p.LastReadSeqId, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants[conversationId] = append(participants[conversationId], p)
	}

	return participants, rows.Err()
}

func (db *PgChatRepository) getConversation(ctx context.Context, where string, arg any) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE "+where+" LIMIT 1",
		arg,
	)

	c, err := scanConversation(row)
	if err != nil {
		return Conversation{}, translateError(err)
	}

	participants, err := loadParticipants(ctx, db.conn, []int{c.Id})
	if err != nil {
		return Conversation{}, err
	}
	c.Participants = participants[c.Id]

	return c, nil
}

func (db *PgChatRepository) GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error) {
	return db.getConversation(ctx, "c.external_id = $1", externalId)
}

func (db *PgChatRepository) GetConversationById(ctx context.Context, id int) (Conversation, error) {
	return db.getConversation(ctx, "c.id = $1", id)
}

func (db *PgChatRepository) GetDirectConversation(ctx context.Context, directKey string) (Conversation, error) {
	return db.getConversation(ctx, "c.direct_key = $1", directKey)
}

// CreateConversation inserts the conversation and its participants in one
// transaction. A second direct conversation for the same pair fails with
// ErrDuplicateKey.
func (db *PgChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var adminId, directKey any
	if params.AdminId != 0 {
		adminId = params.AdminId
	}
	if params.DirectKey != "" {
		directKey = params.DirectKey
	}

	now := time.Now().UTC()
	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO conversations (external_id, is_group, name, description, avatar, admin_id, direct_key, last_activity, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8) RETURNING id",
		params.ExternalId,
		params.IsGroup,
		params.Name,
		params.Description,
		params.Avatar,
		adminId,
		directKey,
		now,
	).Scan(&id)
	if err != nil {
		return Conversation{}, translateError(err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, account_id, joined_at) SELECT $1, unnest($2::int[]), $3",
		id,
		pq.Array(params.ParticipantIds),
		now,
	)
	if err != nil {
		return Conversation{}, translateError(err)
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return db.GetConversationByExternalId(ctx, params.ExternalId)
}

// AddParticipants inserts the given accounts and returns the ids that were
// not already members.
func (db *PgChatRepository) AddParticipants(ctx context.Context, conversationId int, accountIds []int) ([]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		"INSERT INTO participants (conversation_id, account_id, joined_at) SELECT $1, unnest($2::int[]), $3 "+
			"ON CONFLICT DO NOTHING RETURNING account_id",
		conversationId,
		pq.Array(accountIds),
		time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var added []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		added = append(added, id)
	}

	return added, rows.Err()
}

// DeleteConversation hard deletes a conversation. Participants, messages and
// reactions go with it through ON DELETE CASCADE.
func (db *PgChatRepository) DeleteConversation(ctx context.Context, conversationId int) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", conversationId)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// ListConversations returns the account's conversations, most recently
// active first, with the per-account unread count filled in.
func (db *PgChatRepository) ListConversations(ctx context.Context, accountId int) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+", "+unreadCountExpr+" AS unread_count "+
			"FROM conversations c JOIN participants p ON p.conversation_id = c.id "+
			"WHERE p.account_id = $1 ORDER BY c.last_activity DESC, c.id DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		conversations []Conversation
		ids           []int
	)
	for rows.Next() {
		var unread int
		c, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, err
		}
		c.UnreadCount = unread
		conversations = append(conversations, c)
		ids = append(ids, c.Id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return conversations, nil
	}

	participants, err := loadParticipants(ctx, db.conn, ids)
	if err != nil {
		return nil, err
	}
	for i := range conversations {
		conversations[i].Participants = participants[conversations[i].Id]
	}

	return conversations, nil
}

// ListPeerIds returns every account sharing at least one conversation with
// accountId.
func (db *PgChatRepository) ListPeerIds(ctx context.Context, accountId int) ([]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT DISTINCT p2.account_id FROM participants p1 "+
			"JOIN participants p2 ON p2.conversation_id = p1.conversation_id "+
			"WHERE p1.account_id = $1 AND p2.account_id <> $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgChatRepository) UpdateLastReadSeqId(ctx context.Context, accountId, conversationId, seqId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE participants SET last_read_seq_id = GREATEST(last_read_seq_id, $3) "+
			"WHERE account_id = $1 AND conversation_id = $2",
		accountId,
		conversationId,
		seqId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgChatRepository) GetUnreadStats(ctx context.Context, accountId int) (UnreadStats, error) {
	var stats UnreadStats
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(u.unread), 0), COUNT(*) FILTER (WHERE u.unread > 0) "+
			"FROM (SELECT "+unreadCountExpr+" AS unread FROM participants p WHERE p.account_id = $1) u",
		accountId,
	).Scan(&stats.TotalUnread, &stats.ConversationsWithUnread)

	return stats, err
}
