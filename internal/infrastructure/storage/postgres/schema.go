package postgres

import (
	"context"
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema names accepted by SchemaSQL.
const (
	SchemaCatalog = "catalog"
	SchemaShard   = "shard"
)

// SchemaSQL returns the DDL for the catalog or a shard database.
func SchemaSQL(name string) (string, error) {
	switch name {
	case SchemaCatalog, SchemaShard:
	default:
		return "", fmt.Errorf("unknown schema %q (want %s or %s)", name, SchemaCatalog, SchemaShard)
	}
	b, err := schemaFS.ReadFile("schema/" + name + ".sql")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ApplySchema executes the named DDL. Statements are idempotent.
func ApplySchema(ctx context.Context, q Querier, name string) error {
	ddl, err := SchemaSQL(name)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply %s schema: %w", name, err)
	}
	return nil
}
