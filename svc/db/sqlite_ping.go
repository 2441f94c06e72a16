package db

import (
	"context"
)

func (s *SQLite) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return s.db.QueryRowContext(queryCtx, "SELECT 1").Scan(&result)
}
