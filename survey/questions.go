package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// questionDigest is the per-question record yielded by the graph builder
// and consumed by the branch resolver.
type questionDigest struct {
	ID                       int64
	TypeConstraint           TypeConstraint
	SequenceNumber           int
	AllowMultiple            bool
	ChoiceIDs                []int64
	QuestionToSequenceNumber int
}

// createQuestions inserts the questions of a survey, assigning dense 1-based
// sequence numbers in input order. On survey update submissionMap carries the
// old-to-new submission id mapping and answers are migrated choice-by-choice
// and question-by-question.
func createQuestions(ctx context.Context, tx *sql.Tx, surveyID int64, questions []model.Question, submissionMap map[int64]int64) ([]questionDigest, error) {
	digests := make([]questionDigest, 0, len(questions))

	for i, q := range questions {
		seq := i + 1

		tc, err := Classify(q.TypeConstraint)
		if err != nil {
			return nil, UnknownTypeConstraintError{Name: q.TypeConstraint}
		}
		if !q.Logic.HasMinimalKeys() {
			return nil, MissingMinimalLogicError{QuestionTitle: q.Title}
		}
		logicJSON, err := json.Marshal(q.Logic)
		if err != nil {
			return nil, errors.Wrap(err, "marshal question logic")
		}

		var questionID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO question (
				survey_id, title, hint, sequence_number, type_constraint,
				allow_multiple, logic, question_to_sequence_number
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			surveyID, q.Title, q.Hint, seq, string(tc),
			q.AllowMultiple, string(logicJSON), q.QuestionToSequenceNumber,
		).Scan(&questionID)
		if err != nil {
			return nil, errors.Wrap(err, "insert question")
		}

		var choiceIDs []int64
		if tc == TypeMultipleChoice {
			choiceIDs, err = createChoices(ctx, tx, surveyID, q, questionID, seq, submissionMap)
			if err != nil {
				return nil, err
			}
		}

		if q.ID != 0 && submissionMap != nil {
			err = migrateAnswers(ctx, tx, int64(q.ID), questionID, surveyID, tc, seq, q, submissionMap)
			if err != nil {
				return nil, err
			}
		}

		digests = append(digests, questionDigest{
			ID:                       questionID,
			TypeConstraint:           tc,
			SequenceNumber:           seq,
			AllowMultiple:            q.AllowMultiple,
			ChoiceIDs:                choiceIDs,
			QuestionToSequenceNumber: q.QuestionToSequenceNumber,
		})
	}
	return digests, nil
}

// createChoices reconciles and inserts the choices of a multiple_choice
// question. For every inserted choice that reconciles to an old choice, the
// old choice's answers are re-inserted under the new choice and the mapped
// new submission.
func createChoices(ctx context.Context, tx *sql.Tx, surveyID int64, q model.Question, questionID int64, seq int, submissionMap map[int64]int64) ([]int64, error) {
	texts, updates, err := reconcileChoices(ctx, tx, int64(q.ID), q.Choices)
	if err != nil {
		return nil, err
	}

	choiceIDs := make([]int64, 0, len(texts))
	for number, text := range texts {
		var choiceID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO question_choice (question_id, choice, choice_number)
			VALUES (?, ?, ?)
			RETURNING id`,
			questionID, text, number,
		).Scan(&choiceID)
		if err != nil {
			if uniqueViolation(err, "question_choice.question_id") {
				return nil, RepeatedChoiceError{Choice: text}
			}
			return nil, errors.Wrap(err, "insert question choice")
		}
		choiceIDs = append(choiceIDs, choiceID)

		oldChoiceID, carryForward := updates[text]
		if !carryForward || submissionMap == nil {
			continue
		}
		err = migrateChoiceAnswers(ctx, tx, oldChoiceID, choiceID, questionID, surveyID, seq, q.AllowMultiple, submissionMap)
		if err != nil {
			return nil, err
		}
	}
	return choiceIDs, nil
}

func migrateChoiceAnswers(ctx context.Context, tx *sql.Tx, oldChoiceID, newChoiceID, questionID, surveyID int64, seq int, allowMultiple bool, submissionMap map[int64]int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT submission_id FROM answer_choice
		WHERE question_choice_id = ?`,
		oldChoiceID,
	)
	if err != nil {
		return errors.Wrap(err, "load old choice answers")
	}
	defer rows.Close()

	var oldSubmissions []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return errors.Wrap(err, "scan old choice answer")
		}
		oldSubmissions = append(oldSubmissions, id)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "read old choice answers")
	}

	for _, oldSubmissionID := range oldSubmissions {
		newSubmissionID, ok := submissionMap[oldSubmissionID]
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO answer_choice (
				submission_id, question_id, question_choice_id, survey_id,
				type_constraint, sequence_number, allow_multiple
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newSubmissionID, questionID, newChoiceID, surveyID,
			string(TypeMultipleChoice), seq, allowMultiple,
		)
		if err != nil {
			return errors.Wrap(err, "copy choice answer")
		}
	}
	return nil
}

// migrateAnswers copies the scalar answers of an existing question forward
// to its new version. If the type constraint changed between versions the
// answers are dropped, not converted. For a multiple_choice question without
// "other" enabled the choice answers were already migrated alongside the
// choices, so nothing is copied here.
func migrateAnswers(ctx context.Context, tx *sql.Tx, oldQuestionID, questionID, surveyID int64, tc TypeConstraint, seq int, q model.Question, submissionMap map[int64]int64) error {
	var oldTC string
	err := tx.QueryRowContext(ctx, `
		SELECT type_constraint FROM question WHERE id = ?`,
		oldQuestionID,
	).Scan(&oldTC)
	if err == sql.ErrNoRows {
		return QuestionDoesNotExistError{ID: oldQuestionID}
	}
	if err != nil {
		return errors.Wrap(err, "load old question")
	}
	if TypeConstraint(oldTC) != tc {
		return nil
	}
	if tc == TypeMultipleChoice && !q.Logic.WithOther() {
		return nil
	}

	col := "NULL"
	if tc != TypeMultipleChoice {
		col = answerColumns[tc]
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT submission_id, %s, other, dont_know
		FROM answer
		WHERE question_id = ?`, col),
		oldQuestionID,
	)
	if err != nil {
		return errors.Wrap(err, "load old answers")
	}
	defer rows.Close()

	type oldAnswer struct {
		submissionID    int64
		value           any
		other, dontKnow *string
	}
	var olds []oldAnswer
	for rows.Next() {
		var old oldAnswer
		if err := rows.Scan(&old.submissionID, &old.value, &old.other, &old.dontKnow); err != nil {
			return errors.Wrap(err, "scan old answer")
		}
		olds = append(olds, old)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "read old answers")
	}

	insert := fmt.Sprintf(`
		INSERT INTO answer (
			submission_id, question_id, survey_id, type_constraint,
			sequence_number, allow_multiple, %s, other, dont_know
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, col)
	if tc == TypeMultipleChoice {
		insert = `
		INSERT INTO answer (
			submission_id, question_id, survey_id, type_constraint,
			sequence_number, allow_multiple, other, dont_know
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	}

	for _, old := range olds {
		newSubmissionID, ok := submissionMap[old.submissionID]
		if !ok {
			continue
		}
		args := []any{
			newSubmissionID, questionID, surveyID, string(tc),
			seq, q.AllowMultiple,
		}
		if tc != TypeMultipleChoice {
			args = append(args, old.value)
		}
		args = append(args, old.other, old.dontKnow)
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return errors.Wrap(err, "copy answer")
		}
	}
	return nil
}
