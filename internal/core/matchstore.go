package core

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// fieldSchema records the SQLite table backing one (producer, field) pair:
// its table name and the stable column order for its capture groups.
type fieldSchema struct {
	table   string
	groups  []string // capture group names, sorted, stable column order
	columns []string // "g_"+sanitized-group-id, same order as groups
}

// Fileset is one result row of MatchStore.QueryFilesets: a joined,
// updated fileset ready for a producer's Paths() hook.
type Fileset struct {
	Raw    RawInputData
	Groups GroupValues
}

// MatchStore is the relational store of per-producer, per-field file
// matches. Each (producer, field) pair is backed by its own SQLite table;
// the join across a producer's fields is computed in Go over the query
// results so the list-field escaping/aggregation/ordering rules are exact.
type MatchStore struct {
	db        *sql.DB
	producers []Producer
	schemas   map[int]map[string]fieldSchema
}

// NewMatchStore opens (or creates) the SQLite database backing the store.
// An empty dsn opens a private in-memory database.
func NewMatchStore(dsn string) (*MatchStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open matchstore: %w", err)
	}
	return &MatchStore{db: db, schemas: make(map[int]map[string]fieldSchema)}, nil
}

// Close releases the underlying database handle.
func (s *MatchStore) Close() error {
	return s.db.Close()
}

var identSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func sanitizeIdent(id string) string {
	sanitized := identSanitizer.ReplaceAllString(id, "_")
	if sanitized == "" {
		sanitized = "_"
	}
	return sanitized
}

// InitTables creates the per-(producer,field) tables for a freshly loaded
// producer registry. Producers are addressed by their position in the
// slice, which becomes their stable index P for the lifetime of the store.
func (s *MatchStore) InitTables(producers []Producer) error {
	s.producers = producers
	s.schemas = make(map[int]map[string]fieldSchema, len(producers))

	for p, prod := range producers {
		fields := prod.FieldPatterns()
		fieldSchemas := make(map[string]fieldSchema, len(fields))

		for field := range fields {
			groups := append([]string(nil), prod.FieldGroups(field)...)
			sort.Strings(groups)

			columns := make([]string, len(groups))
			for i, g := range groups {
				columns[i] = "g_" + sanitizeIdent(prod.GroupID(g))
			}

			table := fmt.Sprintf("match_p%d_%s", p, sanitizeIdent(prod.FieldID(field)))

			var b strings.Builder
			fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (filename TEXT PRIMARY KEY, is_updated INTEGER NOT NULL DEFAULT 1", table)
			for _, col := range columns {
				fmt.Fprintf(&b, ", %s TEXT", col)
			}
			b.WriteString(")")

			if _, err := s.db.Exec(b.String()); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}

			fieldSchemas[field] = fieldSchema{table: table, groups: groups, columns: columns}
		}

		s.schemas[p] = fieldSchemas
	}

	return nil
}

func (s *MatchStore) fieldSchema(p int, field string) (fieldSchema, bool) {
	fields, ok := s.schemas[p]
	if !ok {
		return fieldSchema{}, false
	}
	schema, ok := fields[field]
	return schema, ok
}

// Insert adds a row with is_updated=1. The underlying table has no
// ON CONFLICT clause: re-inserting an existing filename surfaces a
// DuplicateFilenameError. Callers must Remove first (Open Question 2,
// preserved as-is).
func (s *MatchStore) Insert(p int, field, filename string, groups GroupValues) error {
	schema, ok := s.fieldSchema(p, field)
	if !ok {
		return fmt.Errorf("insert: unknown field %q for producer %d", field, p)
	}

	cols := []string{"filename", "is_updated"}
	placeholders := []string{"?", "1"}
	args := []interface{}{filename}

	for i, g := range schema.groups {
		cols = append(cols, schema.columns[i])
		placeholders = append(placeholders, "?")
		args = append(args, groups[g])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", schema.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, err := s.db.Exec(query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &DuplicateFilenameError{Producer: p, Field: field, Filename: filename}
		}
		return fmt.Errorf("insert into %s: %w", schema.table, err)
	}
	return nil
}

// Remove deletes the row keyed by filename; a no-op if absent.
func (s *MatchStore) Remove(p int, field, filename string) error {
	schema, ok := s.fieldSchema(p, field)
	if !ok {
		return fmt.Errorf("remove: unknown field %q for producer %d", field, p)
	}

	if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE filename = ?", schema.table), filename); err != nil {
		return fmt.Errorf("remove from %s: %w", schema.table, err)
	}
	return nil
}

// ClearUpdated zeroes is_updated across every table. Called once at the end
// of every creator-materialization pass (mark_all_files_old); a creator
// materialized by a later call therefore only sees is_updated=1 where a new
// insert has happened since (Open Question 3, confirmed intended).
func (s *MatchStore) ClearUpdated() error {
	for _, fields := range s.schemas {
		for _, schema := range fields {
			if _, err := s.db.Exec(fmt.Sprintf("UPDATE %s SET is_updated = 0", schema.table)); err != nil {
				return fmt.Errorf("clear is_updated on %s: %w", schema.table, err)
			}
		}
	}
	return nil
}

type matchRow struct {
	filename  string
	isUpdated int
	groups    map[string]string
}

func (s *MatchStore) fieldRows(schema fieldSchema) ([]matchRow, error) {
	cols := append([]string{"filename", "is_updated"}, schema.columns...)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), schema.table)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", schema.table, err)
	}
	defer rows.Close()

	var out []matchRow
	for rows.Next() {
		var filename string
		var isUpdated int
		values := make([]sql.NullString, len(schema.columns))

		scanArgs := make([]interface{}, 0, 2+len(values))
		scanArgs = append(scanArgs, &filename, &isUpdated)
		for i := range values {
			scanArgs = append(scanArgs, &values[i])
		}

		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.table, err)
		}

		groups := make(map[string]string, len(schema.groups))
		for i, g := range schema.groups {
			groups[g] = values[i].String
		}

		out = append(out, matchRow{filename: filename, isUpdated: isUpdated, groups: groups})
	}
	return out, rows.Err()
}

// comboBranch is one partial assignment built while folding field tables
// into the join, one field at a time.
type comboBranch struct {
	groupValues map[string]string
	filenames   map[string]string // field -> filename chosen on this branch
	isUpdated   map[string]int    // field -> that row's is_updated flag
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type joinBucket struct {
	groupValues map[string]string
	filenames   map[string][]string    // field -> unique filenames contributed, in first-seen order
	isUpdated   map[string]map[string]int // field -> filename -> is_updated
}

// bucketKey builds a deterministic grouping key from a branch's group
// values and the filenames chosen by its single-valued fields. Per the
// join semantics, results are grouped by (single-valued fields' filenames,
// all capture-group values); list-valued fields are aggregated within a
// bucket rather than contributing to its identity.
func bucketKey(prod Producer, fieldNames []string, groupValues, filenames map[string]string) string {
	gkeys := make([]string, 0, len(groupValues))
	for g := range groupValues {
		gkeys = append(gkeys, g)
	}
	sort.Strings(gkeys)

	parts := make([]string, 0, len(gkeys)+len(fieldNames))
	for _, g := range gkeys {
		parts = append(parts, "g\x00"+g+"\x00"+groupValues[g])
	}
	for _, f := range fieldNames {
		if prod.FieldShape(f) == SinglePath {
			parts = append(parts, "f\x00"+f+"\x00"+filenames[f])
		}
	}
	return ConcatWithEscape(parts)
}

// QueryFilesets runs the relational join for producer P: a Cartesian
// product of its non-absent field tables constrained by equality on every
// capture group appearing in two or more fields, grouped by
// (single-valued fields' filenames, all capture-group values), with
// list-valued fields aggregated per group. Only groups with
// SUM(is_updated) > 0 are returned.
func (s *MatchStore) QueryFilesets(p int) ([]Fileset, error) {
	if p < 0 || p >= len(s.producers) {
		return nil, fmt.Errorf("query filesets: producer index %d out of range", p)
	}
	prod := s.producers[p]
	fieldSchemas := s.schemas[p]

	fieldNames := make([]string, 0, len(fieldSchemas))
	for f := range fieldSchemas {
		fieldNames = append(fieldNames, f)
	}
	sort.Strings(fieldNames)

	if len(fieldNames) == 0 {
		return nil, nil
	}

	rowsByField := make(map[string][]matchRow, len(fieldNames))
	for _, f := range fieldNames {
		rows, err := s.fieldRows(fieldSchemas[f])
		if err != nil {
			return nil, err
		}
		rowsByField[f] = rows
	}

	branches := []comboBranch{{groupValues: map[string]string{}, filenames: map[string]string{}, isUpdated: map[string]int{}}}

	for _, f := range fieldNames {
		var next []comboBranch
		for _, c := range branches {
			for _, row := range rowsByField[f] {
				compatible := true
				for g, v := range row.groups {
					if existing, ok := c.groupValues[g]; ok && existing != v {
						compatible = false
						break
					}
				}
				if !compatible {
					continue
				}

				nc := comboBranch{
					groupValues: cloneStringMap(c.groupValues),
					filenames:   cloneStringMap(c.filenames),
					isUpdated:   cloneIntMap(c.isUpdated),
				}
				for g, v := range row.groups {
					nc.groupValues[g] = v
				}
				nc.filenames[f] = row.filename
				nc.isUpdated[f] = row.isUpdated
				next = append(next, nc)
			}
		}
		branches = next
		if len(branches) == 0 {
			return nil, nil
		}
	}

	buckets := make(map[string]*joinBucket)
	var order []string

	for _, c := range branches {
		key := bucketKey(prod, fieldNames, c.groupValues, c.filenames)
		b, ok := buckets[key]
		if !ok {
			b = &joinBucket{
				groupValues: cloneStringMap(c.groupValues),
				filenames:   make(map[string][]string),
				isUpdated:   make(map[string]map[string]int),
			}
			buckets[key] = b
			order = append(order, key)
		}
		for _, f := range fieldNames {
			fn := c.filenames[f]
			if b.isUpdated[f] == nil {
				b.isUpdated[f] = make(map[string]int)
			}
			if _, dup := b.isUpdated[f][fn]; !dup {
				b.isUpdated[f][fn] = c.isUpdated[f]
				b.filenames[f] = append(b.filenames[f], fn)
			}
		}
	}

	var results []Fileset
	for _, key := range order {
		b := buckets[key]

		raw := make(RawInputData, len(fieldNames))
		isUpdatedTotal := 0

		for _, f := range fieldNames {
			shape := prod.FieldShape(f)

			concatenated := ConcatWithEscape(b.filenames[f])
			names := ParseCommaEscape(concatenated)

			for _, n := range names {
				isUpdatedTotal += b.isUpdated[f][n]
			}

			switch shape {
			case SinglePath:
				if len(names) != 1 {
					return nil, &FieldShapeMismatchError{Field: f, Shape: shape}
				}
				raw[f] = FieldValue{Shape: SinglePath, Single: names[0]}
			case ListOfPaths:
				raw[f] = FieldValue{Shape: ListOfPaths, List: names}
			default:
				return nil, &FieldShapeMismatchError{Field: f, Shape: shape}
			}
		}

		if isUpdatedTotal <= 0 {
			continue
		}

		groups := make(GroupValues, len(b.groupValues))
		for k, v := range b.groupValues {
			groups[k] = v
		}

		results = append(results, Fileset{Raw: raw, Groups: groups})
	}

	return results, nil
}
