package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConsoleUser is an administrative identity. Its token answers the auth token prompt
// of bundle configuration for the clients associated with it.
type ConsoleUser struct {
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Registry) AddConsoleUser(ctx context.Context, user, token string) (int64, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return 0, invalid("user", "must not be empty")
	}
	q := fmt.Sprintf(`INSERT INTO %sconsole_users(user_name, token, created_at) VALUES(?, ?, ?) RETURNING id`, r.prefix)
	var id int64
	err := r.db.QueryRowContext(ctx, r.rebind(q), user, token, time.Now().UTC()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConsoleUserExists
		}
		return 0, fmt.Errorf("failed to add console user: %w", err)
	}
	return id, nil
}

func (r *Registry) ListConsoleUsers(ctx context.Context) ([]ConsoleUser, error) {
	q := fmt.Sprintf(`SELECT id, user_name, token, created_at FROM %sconsole_users ORDER BY id`, r.prefix)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list console users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]ConsoleUser, 0)
	for rows.Next() {
		var u ConsoleUser
		if err := rows.Scan(&u.ID, &u.User, &u.Token, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *Registry) GetConsoleUser(ctx context.Context, id int64) (ConsoleUser, error) {
	q := fmt.Sprintf(`SELECT id, user_name, token, created_at FROM %sconsole_users WHERE id = ?`, r.prefix)
	var u ConsoleUser
	err := r.db.QueryRowContext(ctx, r.rebind(q), id).Scan(&u.ID, &u.User, &u.Token, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsoleUser{}, ErrConsoleUserNotFound
		}
		return ConsoleUser{}, err
	}
	return u, nil
}

func (r *Registry) SetConsoleUserToken(ctx context.Context, id int64, token string) error {
	q := fmt.Sprintf(`UPDATE %sconsole_users SET token = ? WHERE id = ?`, r.prefix)
	res, err := r.db.ExecContext(ctx, r.rebind(q), token, id)
	if err != nil {
		return fmt.Errorf("failed to set token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConsoleUserNotFound
	}
	return nil
}

// ConsoleUserToken returns the token of console user id, or ErrNoToken when the user
// exists without one.
func (r *Registry) ConsoleUserToken(ctx context.Context, id int64) (string, error) {
	u, err := r.GetConsoleUser(ctx, id)
	if err != nil {
		return "", err
	}
	if u.Token == "" {
		return "", ErrNoToken
	}
	return u.Token, nil
}
