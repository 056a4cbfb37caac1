package store

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations
var migrationFS embed.FS

// Dialects with a migrations/<dialect> directory.
const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// migration is one NNN_name.sql script, split into statements.
type migration struct {
	version    int
	name       string
	statements []string
}

// loadMigrations reads the scripts for dialect, ordered by version.
func loadMigrations(dialect string) ([]migration, error) {
	files, err := fs.Glob(migrationFS, path.Join("migrations", dialect, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}

	out := make([]migration, 0, len(files))
	seen := make(map[int]string, len(files))
	for _, file := range files {
		version, name, err := parseMigrationName(path.Base(file))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, file)
		}
		seen[version] = file

		script, err := migrationFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		out = append(out, migration{version: version, name: name, statements: splitStatements(string(script))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationName splits "003_add_index.sql" into (3, "add_index").
func parseMigrationName(file string) (int, string, error) {
	base := strings.TrimSuffix(file, ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %q: want NNN_name.sql", file)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %q: bad version %q", file, prefix)
	}
	return version, name, nil
}

// pendingMigrations returns the migrations of dialect newer than applied.
func pendingMigrations(dialect string, applied int) ([]migration, error) {
	all, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].version > applied })
	return all[i:], nil
}

// splitStatements breaks a script on semicolons and drops chunks that hold
// only comments.
func splitStatements(script string) []string {
	var stmts []string
	for _, chunk := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(chunk)
		if stmt != "" && hasSQL(stmt) {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func hasSQL(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
