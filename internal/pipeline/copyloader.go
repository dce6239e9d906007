package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// metaColumns are maintained by the database, never loaded from files.
var metaColumns = map[string]bool{
	"batch_id":   true,
	"row_number": true,
	"loaded_at":  true,
}

// CopyLoader bulk-loads via the PostgreSQL COPY protocol, the fastest path
// for large delimited files.
type CopyLoader struct {
	pool *pgxpool.Pool
}

// NewCopyLoader wraps a connection pool.
func NewCopyLoader(pool *pgxpool.Pool) *CopyLoader {
	return &CopyLoader{pool: pool}
}

// Load streams data into table. The COPY runs in CSV mode with a tab
// delimiter and a quote character that cannot appear in the data (0x08), so
// lines are taken verbatim instead of being CSV-parsed; empty fields load
// as NULL.
func (l *CopyLoader) Load(ctx context.Context, table string, columns []string, data io.Reader) (int64, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, &LoadFailure{Table: table, Err: fmt.Errorf("acquire connection: %w", err)}
	}
	defer conn.Release()

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	sql := fmt.Sprintf(
		`COPY %s (%s) FROM STDIN WITH (FORMAT csv, DELIMITER E'\t', QUOTE E'\b', HEADER false, NULL '')`,
		quoteIdent(table), strings.Join(quoted, ", "))

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, data, sql)
	if err != nil {
		return 0, &LoadFailure{Table: table, Err: err}
	}
	return tag.RowsAffected(), nil
}

// PGSchemaSource reads table columns from information_schema.
type PGSchemaSource struct {
	pool *pgxpool.Pool
}

// NewPGSchemaSource wraps a connection pool.
func NewPGSchemaSource(pool *pgxpool.Pool) *PGSchemaSource {
	return &PGSchemaSource{pool: pool}
}

// Columns returns the loadable columns of table in ordinal order, excluding
// the meta columns the loader never writes. It wraps ErrNoTable when the
// table does not exist.
func (s *PGSchemaSource) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}
		if metaColumns[col] {
			continue
		}
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, table)
	}
	return out, nil
}

// quoteIdent double-quotes a PostgreSQL identifier.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
