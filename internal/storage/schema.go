package storage

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var Schema string

// EnsureSchema creates missing tables and indexes. Safe to run repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
