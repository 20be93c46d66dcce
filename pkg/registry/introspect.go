package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"gopkg.in/yaml.v3"

	"github.com/semgate/semgate/pkg/logger"
)

// cubeModel mirrors the YAML layout the cube engine expects for a
// generated starter cube.
type cubeModel struct {
	Cubes []cubeDef `yaml:"cubes"`
}

type cubeDef struct {
	Name       string      `yaml:"name"`
	SQLTable   string      `yaml:"sql_table"`
	Measures   []memberDef `yaml:"measures"`
	Dimensions []memberDef `yaml:"dimensions,omitempty"`
}

type memberDef struct {
	Name       string `yaml:"name"`
	SQL        string `yaml:"sql,omitempty"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
}

// NewPostgresIntrospector returns a ManagerConfig.Introspect function
// that reads table metadata from a postgres warehouse and writes one
// starter cube YAML per table into the store. Only postgres connections
// are introspected; other types are skipped silently.
func NewPostgresIntrospector(store Store) func(ctx context.Context, db *DatabaseConfig) error {
	return func(ctx context.Context, db *DatabaseConfig) error {
		if db.Connection.Type != ConnectionPostgres {
			return nil
		}

		warehouse, err := sql.Open("pgx", postgresDSN(db.Connection))
		if err != nil {
			return fmt.Errorf("failed to open warehouse for introspection: %w", err)
		}
		defer func() { _ = warehouse.Close() }()

		tables, err := listPublicTables(ctx, warehouse)
		if err != nil {
			return err
		}

		for table, columns := range tables {
			content, err := starterCubeYAML(table, columns)
			if err != nil {
				logger.Warnf("skipping starter cube for table %s: %v", table, err)
				continue
			}
			file := &CubeFile{
				DatabaseID: db.ID,
				FileName:   table + ".yml",
				Content:    content,
			}
			if err := store.UpsertCubeFile(ctx, file); err != nil {
				return fmt.Errorf("failed to store starter cube for %s: %w", table, err)
			}
		}
		logger.Infow("starter cube introspection completed",
			"database_id", db.ID, "tables", len(tables))
		return nil
	}
}

type columnInfo struct {
	name     string
	dataType string
	isPK     bool
}

func listPublicTables(ctx context.Context, db *sql.DB) (map[string][]columnInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_name, c.column_name, c.data_type,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_name = c.table_name
					AND kcu.column_name = c.column_name
			) AS is_pk
		FROM information_schema.columns c
		JOIN information_schema.tables t
			ON t.table_name = c.table_name AND t.table_schema = c.table_schema
		WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read table metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := map[string][]columnInfo{}
	for rows.Next() {
		var table string
		var col columnInfo
		if err := rows.Scan(&table, &col.name, &col.dataType, &col.isPK); err != nil {
			return nil, err
		}
		tables[table] = append(tables[table], col)
	}
	return tables, rows.Err()
}

// starterCubeYAML renders a minimal cube with a count measure and one
// dimension per column.
func starterCubeYAML(table string, columns []columnInfo) (string, error) {
	cube := cubeDef{
		Name:     cubeName(table),
		SQLTable: table,
		Measures: []memberDef{{Name: "count", Type: "count"}},
	}
	for _, col := range columns {
		cube.Dimensions = append(cube.Dimensions, memberDef{
			Name:       col.name,
			SQL:        col.name,
			Type:       dimensionType(col.dataType),
			PrimaryKey: col.isPK,
		})
	}

	out, err := yaml.Marshal(cubeModel{Cubes: []cubeDef{cube}})
	if err != nil {
		return "", fmt.Errorf("failed to render cube yaml: %w", err)
	}
	return string(out), nil
}

// cubeName converts snake_case table names to the PascalCase cube naming
// convention.
func cubeName(table string) string {
	parts := strings.Split(table, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}

func dimensionType(dataType string) string {
	switch {
	case strings.Contains(dataType, "timestamp"), strings.Contains(dataType, "date"):
		return "time"
	case strings.Contains(dataType, "int"), strings.Contains(dataType, "numeric"),
		strings.Contains(dataType, "double"), strings.Contains(dataType, "real"):
		return "number"
	case strings.Contains(dataType, "bool"):
		return "boolean"
	default:
		return "string"
	}
}

func postgresDSN(c Connection) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, portOr(c.Port, 5432)),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	q := u.Query()
	if !c.SSL {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func portOr(p, fallback int) int {
	if p == 0 {
		return fallback
	}
	return p
}
