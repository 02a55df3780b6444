package survey

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// createBranches validates and persists the conditional jumps of a survey.
// Branch rows are denormalized with both endpoints' type, sequence number
// and allow-multiple so graph traversal during enumeration is a single
// lookup. At most one branch may originate from a given choice.
//
// Only the presence of a terminal question is validated (see
// createSurveyGraph); a cycle among non-terminal questions is accepted here.
func createBranches(ctx context.Context, tx *sql.Tx, questions []model.Question, digests []questionDigest) error {
	for i, q := range questions {
		if len(q.Branches) == 0 {
			continue
		}
		from := digests[i]

		for _, branch := range q.Branches {
			if branch.ChoiceNumber < 0 || branch.ChoiceNumber >= len(from.ChoiceIDs) {
				return QuestionChoiceDoesNotExistError{Choice: strconv.Itoa(branch.ChoiceNumber)}
			}
			choiceID := from.ChoiceIDs[branch.ChoiceNumber]

			toIndex := branch.ToQuestionNumber - 1
			if toIndex < 0 || toIndex >= len(digests) {
				return QuestionDoesNotExistError{ID: int64(branch.ToQuestionNumber)}
			}
			to := digests[toIndex]

			_, err := tx.ExecContext(ctx, `
				INSERT INTO question_branch (
					question_choice_id,
					from_question_id, from_type_constraint,
					from_sequence_number, from_allow_multiple,
					to_question_id, to_type_constraint,
					to_sequence_number, to_allow_multiple
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				choiceID,
				from.ID, string(from.TypeConstraint),
				from.SequenceNumber, from.AllowMultiple,
				to.ID, string(to.TypeConstraint),
				to.SequenceNumber, to.AllowMultiple,
			)
			if err != nil {
				if uniqueViolation(err, "question_branch.from_question_id") {
					return MultipleBranchError{ChoiceID: choiceID}
				}
				return errors.Wrap(err, "insert branch")
			}
		}
	}
	return nil
}
