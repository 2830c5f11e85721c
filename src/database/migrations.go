package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Step upgrades the schema from version From to From+1. Apply runs inside
// the single upgrade transaction.
type Step struct {
	From  int
	Name  string
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// Saved flag encodings used across schema versions.
const (
	SavedTag   = "saved"
	UnsavedTag = "unsaved"
)

// Migrations is the full upgrade ladder. The current schema version is
// len(Migrations).
var Migrations = []Step{
	{From: 0, Name: "create saved index", Apply: createIndex(SavedIndex)},
	{From: 1, Name: "saved bool to number", Apply: rewriteSaved(BoolToNumber)},
	{From: 2, Name: "saved number to string", Apply: rewriteSaved(NumberToString)},
	{From: 3, Name: "saved string to bool", Apply: rewriteSaved(StringToBool)},
	{From: 4, Name: "saved bool to number", Apply: rewriteSaved(BoolToNumber)},
}

// CurrentVersion is the schema version produced by Migrations.
var CurrentVersion = len(Migrations)

// ValidateSteps checks that steps form a gapless ladder starting at 0.
func ValidateSteps(steps []Step) error {
	for i, step := range steps {
		if step.From != i {
			return fmt.Errorf("%w: step %d (%s) starts at version %d", ErrMigration, i, step.Name, step.From)
		}
		if step.Apply == nil {
			return fmt.Errorf("%w: step %d (%s) has no Apply", ErrMigration, i, step.Name)
		}
	}
	return nil
}

// A Recode converts the saved flag of one row. It reports false when the
// value is not in the representation it converts from, which makes every
// recode safe to run twice.
type Recode func(v any) (any, bool)

// BoolToNumber maps true/false to 1/0.
func BoolToNumber(v any) (any, bool) {
	b, ok := v.(bool)
	if !ok {
		return v, false
	}
	if b {
		return 1, true
	}
	return 0, true
}

// NumberToString maps 1/0 to "saved"/"unsaved".
func NumberToString(v any) (any, bool) {
	n, ok := v.(float64)
	if !ok {
		return v, false
	}
	if n != 0 {
		return SavedTag, true
	}
	return UnsavedTag, true
}

// StringToBool maps "saved" to true and any other string to false.
func StringToBool(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, false
	}
	return s == SavedTag, true
}

// RecodeDocument applies fn to the saved field of a JSON document. It
// returns the rewritten document and whether anything changed.
func RecodeDocument(doc []byte, fn Recode) ([]byte, bool, error) {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, false, err
	}
	v, ok := fields["saved"]
	if !ok {
		return doc, false, nil
	}
	next, changed := fn(v)
	if !changed {
		return doc, false, nil
	}
	fields["saved"] = next
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func createIndex(idx Index) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (json_extract(value, '%s'))",
			idx.Name, idx.Store.table(), idx.Path)
		_, err := tx.ExecContext(ctx, query)
		return err
	}
}

// rewriteSaved scans every chord sheet and rewrites the rows fn converts.
func rewriteSaved(fn Recode) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		rows, err := scanRows(ctx, tx, ChordSheets)
		if err != nil {
			return err
		}

		update := fmt.Sprintf("UPDATE %s SET value = ? WHERE key = ?", ChordSheets.table())
		for _, row := range rows {
			doc, changed, err := RecodeDocument(row.Value, fn)
			if err != nil {
				return fmt.Errorf("row %q: %w", row.Key, err)
			}
			if !changed {
				continue
			}
			if _, err := tx.ExecContext(ctx, update, string(doc), row.Key); err != nil {
				return fmt.Errorf("row %q: %w", row.Key, err)
			}
		}
		return nil
	}
}
