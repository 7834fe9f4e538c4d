package database

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
)

const accountColumns = "id, username, display_name, email, created_at, updated_at"

func scanAccount(row rowScanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.DisplayName,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, display_name, email, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING "+accountColumns,
		params.Username,
		params.DisplayName,
		params.EmailAddress,
		now,
	)

	u, err := scanAccount(row)
	return u, translateError(err)
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	u, err := scanAccount(row)
	return u, translateError(err)
}

func (db *PgChatRepository) GetAccountsByIds(ctx context.Context, ids []int) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ANY($1) ORDER BY id",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0, len(ids))
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchAccounts returns accounts whose username or display name starts with
// query, case-insensitively, excluding excludeId.
func (db *PgChatRepository) SearchAccounts(ctx context.Context, query string, excludeId, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts "+
			"WHERE id <> $1 AND (username ILIKE $2 OR display_name ILIKE $2) "+
			"ORDER BY username LIMIT $3",
		excludeId,
		likeEscaper.Replace(query)+"%",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
