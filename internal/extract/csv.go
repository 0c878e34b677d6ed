package extract

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

// CsvExtractor renders each CSV row as "column: value" lines, one block per
// row. Parsing (delimiter, quoting, header detection) is left to DuckDB's
// read_csv_auto.
type CsvExtractor struct {
	log *zap.Logger

	// Limits concurrent in-memory DuckDB instances.
	querySem chan struct{}
}

func newCsvExtractor(log *zap.Logger) *CsvExtractor {
	return &CsvExtractor{log: log, querySem: make(chan struct{}, 2)}
}

func (e *CsvExtractor) fail(path, reason string, err error) error {
	return &models.ExtractionError{Source: models.SourceCsv, Handle: path, Reason: reason, Err: err}
}

// Extract returns the text rendering of the CSV file at path.
func (e *CsvExtractor) Extract(ctx context.Context, path string) (string, error) {
	select {
	case e.querySem <- struct{}{}:
		defer func() { <-e.querySem }()
	case <-ctx.Done():
		return "", e.fail(path, "cancelled", ctx.Err())
	}

	connector, err := duckdb.NewConnector("", func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(ctx, pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", e.fail(path, "opening DuckDB", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	query := fmt.Sprintf("SELECT * FROM read_csv_auto(%s, header=true, all_varchar=true)", quoteLiteral(path))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", e.fail(path, "reading CSV", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", e.fail(path, "reading CSV header", err)
	}

	var (
		b     strings.Builder
		count int
	)
	values := make([]sql.NullString, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return "", e.fail(path, "scanning CSV row", err)
		}
		if count > 0 {
			b.WriteString("\n\n")
		}
		for i, col := range columns {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(col)
			b.WriteString(": ")
			if values[i].Valid {
				b.WriteString(values[i].String)
			}
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return "", e.fail(path, "reading CSV rows", err)
	}
	if count == 0 {
		return "", e.fail(path, "CSV has no rows", nil)
	}

	e.log.Debug("csv extracted", zap.String("path", path), zap.Int("rows", count), zap.Int("columns", len(columns)))
	return b.String(), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
