package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/roi-ledger/internal/logging"
)

// RunClickHouseMigrations executes the embedded ClickHouse DDL in file-name order.
// Every statement is idempotent (IF NOT EXISTS), so reruns are safe.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}

	files, err := fs.ReadDir(clickhouseMigrations, "migrations/clickhouse")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".sql") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := fs.ReadFile(clickhouseMigrations, "migrations/clickhouse/"+name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			logger.WithFields(logging.Fields{
				"file":      name,
				"statement": i + 1,
			}).Debugf("executing %s", truncate(stmt, 80))

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		logger.WithField("file", name).Info("applied clickhouse migration")
	}

	return nil
}

// splitSQLStatements splits on statement-terminating semicolons and drops comment lines.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
