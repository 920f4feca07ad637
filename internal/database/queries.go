package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	pgUniqueViolation = "23505"

	messageColumns = "id, payload, sender_id, addressee_id, created_at, received"
)

// Now returns the store's notion of the current time. Timestamps are
// assigned here, never by callers.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (db *SqlDMRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	u := User{
		Nickname:     params.Nickname,
		PasswordHash: params.PasswordHash,
		CreatedAt:    Now(),
	}

	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (nickname, password_hash, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id",
		u.Nickname,
		u.PasswordHash,
		u.CreatedAt,
	).Scan(&u.Id)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrNicknameTaken
		}
		return User{}, err
	}

	return u, nil
}

func (db *SqlDMRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, nickname, password_hash, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Nickname,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, notFound(err)
}

func (db *SqlDMRepository) GetAccountByNickname(ctx context.Context, nickname string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, nickname, password_hash, created_at FROM users "+
			"WHERE nickname = $1 LIMIT 1",
		nickname,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Nickname,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, notFound(err)
}

func (db *SqlDMRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	msg := Message{
		Payload:     params.Payload,
		SenderId:    params.SenderId,
		AddresseeId: params.AddresseeId,
		CreatedAt:   Now(),
	}

	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (payload, sender_id, addressee_id, created_at, received) "+
			"VALUES ($1, $2, $3, $4, false) RETURNING id",
		msg.Payload,
		msg.SenderId,
		msg.AddresseeId,
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// MarkMessageReceived flips the received flag. It reports true only for the
// call that performed the transition.
func (db *SqlDMRepository) MarkMessageReceived(ctx context.Context, id int) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET received = true WHERE id = $1 AND received = false",
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark received: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return n == 1, nil
}

func (db *SqlDMRepository) GetConversation(ctx context.Context, userA, userB int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE (sender_id = $1 AND addressee_id = $2) OR (sender_id = $3 AND addressee_id = $4) "+
			"ORDER BY created_at ASC, id ASC",
		userA,
		userB,
		userB,
		userA,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return scanMessages(rows)
}

func (db *SqlDMRepository) GetUnreceived(ctx context.Context, addresseeId, senderId int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE addressee_id = $1 AND sender_id = $2 AND received = false "+
			"ORDER BY created_at ASC, id ASC",
		addresseeId,
		senderId,
	)
	if err != nil {
		return nil, fmt.Errorf("query unreceived: %w", err)
	}

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.Payload,
			&msg.SenderId,
			&msg.AddresseeId,
			&msg.CreatedAt,
			&msg.Received,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}
