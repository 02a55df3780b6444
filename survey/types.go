package survey

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// TypeConstraint is the closed enumeration of question/answer types.
type TypeConstraint string

const (
	TypeText           TypeConstraint = "text"
	TypePhoto          TypeConstraint = "photo"
	TypeInteger        TypeConstraint = "integer"
	TypeDecimal        TypeConstraint = "decimal"
	TypeDate           TypeConstraint = "date"
	TypeTime           TypeConstraint = "time"
	TypeTimestamp      TypeConstraint = "timestamp"
	TypeLocation       TypeConstraint = "location"
	TypeFacility       TypeConstraint = "facility"
	TypeMultipleChoice TypeConstraint = "multiple_choice"
)

// answerColumns maps each type constraint to the answer table column its
// payload lands in. multiple_choice is absent: plain choice answers live in
// the answer_choice table.
var answerColumns = map[TypeConstraint]string{
	TypeText:      "answer_text",
	TypePhoto:     "answer_photo",
	TypeInteger:   "answer_integer",
	TypeDecimal:   "answer_decimal",
	TypeDate:      "answer_date",
	TypeTime:      "answer_time",
	TypeTimestamp: "answer_timestamp",
	TypeLocation:  "answer_location",
	TypeFacility:  "answer_facility",
}

// Classify validates a submitted type constraint name.
func Classify(name string) (TypeConstraint, error) {
	tc := TypeConstraint(name)
	if _, ok := answerColumns[tc]; !ok && tc != TypeMultipleChoice {
		return "", NotAnAnswerTypeError{Name: name}
	}
	return tc, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx. Mutating operations
// take a *sql.Tx explicitly: the transaction is the arena, and the caller
// decides its boundaries.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// uniqueViolation reports whether err is a SQLite unique constraint failure
// involving the given column or index name.
func uniqueViolation(err error, name string) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	if sqErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqErr.Error(), name)
}
