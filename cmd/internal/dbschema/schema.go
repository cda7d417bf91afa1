// Package dbschema ships the relational schema and applies it to a target schema.
package dbschema

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQL returns the embedded DDL.
func SQL() string { return schemaSQL }

// Apply creates schema (if needed) and runs the DDL inside it on a single connection.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !identRe.MatchString(schema) {
		return fmt.Errorf("dbschema: invalid schema identifier %q", schema)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("dbschema: acquire: %w", err)
	}
	defer conn.Release()

	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := conn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+ident); err != nil {
		return fmt.Errorf("dbschema: create schema: %w", err)
	}
	if _, err := conn.Exec(ctx, `SET search_path TO `+ident); err != nil {
		return fmt.Errorf("dbschema: search_path: %w", err)
	}
	// The connection goes back to the pool; do not leak the search_path to other users.
	defer func() { _, _ = conn.Exec(context.Background(), `RESET search_path`) }()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("dbschema: apply: %w", err)
	}
	return nil
}
