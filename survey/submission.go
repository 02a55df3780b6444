package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

type submissionQuestion struct {
	tc            TypeConstraint
	seq           int
	allowMultiple bool
	logic         model.Logic
}

// Submit validates and persists one enumerator's pass through a survey.
// Every answer is checked against its question's type constraint and
// options; a failure anywhere aborts the whole submission.
func Submit(ctx context.Context, tx *sql.Tx, sub model.Submission) (int64, error) {
	surveyID := int64(sub.SurveyID)
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM survey WHERE id = ?)`,
		surveyID,
	).Scan(&exists)
	if err != nil {
		return 0, errors.Wrap(err, "check survey")
	}
	if !exists {
		return 0, SurveyDoesNotExistError{ID: surveyID}
	}

	questions, err := loadSubmissionQuestions(ctx, tx, surveyID)
	if err != nil {
		return 0, err
	}

	when := sub.Time
	if when.IsZero() {
		when = time.Now()
	}
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return 0, err
	}

	var submissionID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO submission (survey_id, submitter, submission_time, metadata)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		surveyID, sub.Submitter, when, metadata,
	).Scan(&submissionID)
	if err != nil {
		return 0, errors.Wrap(err, "insert submission")
	}

	answered := map[int64]bool{}
	for _, answer := range sub.Answers {
		questionID := int64(answer.QuestionID)
		question, ok := questions[questionID]
		if !ok {
			return 0, QuestionDoesNotExistError{ID: questionID}
		}

		if answer.Answer == nil && !answer.IsDontKnow {
			if question.logic.Required() {
				return 0, RequiredQuestionSkippedError{QuestionID: questionID}
			}
			continue
		}

		err := insertAnswer(ctx, tx, surveyID, submissionID, questionID, question, answer)
		if err != nil {
			return 0, err
		}
		answered[questionID] = true
	}

	for questionID, question := range questions {
		if question.logic.Required() && !answered[questionID] {
			return 0, RequiredQuestionSkippedError{QuestionID: questionID}
		}
	}
	return submissionID, nil
}

func loadSubmissionQuestions(ctx context.Context, q Querier, surveyID int64) (map[int64]submissionQuestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, type_constraint, sequence_number, allow_multiple, logic
		FROM question
		WHERE survey_id = ?`,
		surveyID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load questions")
	}
	defer rows.Close()

	questions := map[int64]submissionQuestion{}
	for rows.Next() {
		var (
			id    int64
			tc    string
			logic string
			sq    submissionQuestion
		)
		if err := rows.Scan(&id, &tc, &sq.seq, &sq.allowMultiple, &logic); err != nil {
			return nil, errors.Wrap(err, "scan question")
		}
		sq.tc = TypeConstraint(tc)
		if err := unmarshalLogic(logic, &sq.logic); err != nil {
			return nil, err
		}
		questions[id] = sq
	}
	return questions, rows.Err()
}

func insertAnswer(ctx context.Context, tx *sql.Tx, surveyID, submissionID, questionID int64, question submissionQuestion, answer model.Answer) error {
	switch {
	case answer.IsOther:
		// lie detection: is_other against a question without "other"
		if !question.logic.WithOther() {
			return AnswerTypeMismatchError{question.tc, "question does not allow 'other' responses"}
		}
		text, ok := answer.Answer.(string)
		if !ok {
			return AnswerTypeMismatchError{question.tc, "'other' responses must be text"}
		}
		if err := checkChoiceCrossTable(ctx, tx, submissionID, questionID, question); err != nil {
			return err
		}
		return insertResponseRow(ctx, tx, surveyID, submissionID, questionID, question, "other", text)

	case answer.IsDontKnow:
		text, _ := answer.Answer.(string)
		if err := checkChoiceCrossTable(ctx, tx, submissionID, questionID, question); err != nil {
			return err
		}
		return insertResponseRow(ctx, tx, surveyID, submissionID, questionID, question, "dont_know", text)

	case question.tc == TypeMultipleChoice:
		return insertChoiceAnswer(ctx, tx, surveyID, submissionID, questionID, question, answer)

	default:
		value, err := validatePayload(question.tc, answer.Answer)
		if err != nil {
			return err
		}
		if !question.allowMultiple {
			if err := checkNotAnswered(ctx, tx, "answer_choice", submissionID, questionID); err != nil {
				return err
			}
		}
		return insertResponseRow(ctx, tx, surveyID, submissionID, questionID, question, answerColumns[question.tc], value)
	}
}

// insertResponseRow writes one answer row with its payload in the given
// column (an answer_* payload column, "other" or "dont_know").
func insertResponseRow(ctx context.Context, tx *sql.Tx, surveyID, submissionID, questionID int64, question submissionQuestion, column string, value any) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO answer (
			submission_id, question_id, survey_id, type_constraint,
			sequence_number, allow_multiple, %s
		) VALUES (?, ?, ?, ?, ?, ?, ?)`, column),
		submissionID, questionID, surveyID, string(question.tc),
		question.seq, question.allowMultiple, value,
	)
	if err != nil {
		// the only_one_answer_allowed index reports by column list
		if uniqueViolation(err, "answer.question_id") {
			return CannotAnswerMultipleTimesError{QuestionID: questionID}
		}
		return errors.Wrap(err, "insert answer")
	}
	return nil
}

func insertChoiceAnswer(ctx context.Context, tx *sql.Tx, surveyID, submissionID, questionID int64, question submissionQuestion, answer model.Answer) error {
	choiceID, err := coerceInteger(question.tc, answer.Answer)
	if err != nil {
		return err
	}

	var belongs bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM question_choice WHERE id = ? AND question_id = ?
		)`,
		choiceID, questionID,
	).Scan(&belongs)
	if err != nil {
		return errors.Wrap(err, "check choice")
	}
	if !belongs {
		return QuestionChoiceDoesNotExistError{Choice: strconv.FormatInt(choiceID, 10)}
	}

	if !question.allowMultiple {
		// an "other" answer to the same question lives in the answer table
		if err := checkNotAnswered(ctx, tx, "answer", submissionID, questionID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO answer_choice (
			submission_id, question_id, question_choice_id, survey_id,
			type_constraint, sequence_number, allow_multiple
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		submissionID, questionID, choiceID, surveyID,
		string(question.tc), question.seq, question.allowMultiple,
	)
	if err != nil {
		if uniqueViolation(err, "answer_choice") {
			return CannotAnswerMultipleTimesError{QuestionID: questionID}
		}
		return errors.Wrap(err, "insert choice answer")
	}
	return nil
}

// checkChoiceCrossTable applies the single-answer invariant to an "other" or
// "don't know" row of a multiple_choice question whose picked choices live in
// the answer_choice table.
func checkChoiceCrossTable(ctx context.Context, tx *sql.Tx, submissionID, questionID int64, question submissionQuestion) error {
	if question.tc != TypeMultipleChoice || question.allowMultiple {
		return nil
	}
	return checkNotAnswered(ctx, tx, "answer_choice", submissionID, questionID)
}

// checkNotAnswered guards the single-answer invariant across the two answer
// tables; within each table the partial unique indexes take care of it.
func checkNotAnswered(ctx context.Context, tx *sql.Tx, table string, submissionID, questionID int64) error {
	var already bool
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s WHERE submission_id = ? AND question_id = ?
		)`, table),
		submissionID, questionID,
	).Scan(&already)
	if err != nil {
		return errors.Wrap(err, "check existing answer")
	}
	if already {
		return CannotAnswerMultipleTimesError{QuestionID: questionID}
	}
	return nil
}

// GetSubmission returns one submission with the normalized response view of
// each of its answers.
func GetSubmission(ctx context.Context, q Querier, submissionID int64) (model.Submission, error) {
	sub := model.Submission{}
	var (
		surveyID int64
		metadata string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, survey_id, submitter, submission_time, metadata
		FROM submission
		WHERE id = ?`,
		submissionID,
	).Scan(&sub.ID, &surveyID, &sub.Submitter, &sub.Time, &metadata)
	if err == sql.ErrNoRows {
		return sub, SubmissionDoesNotExistError{ID: submissionID}
	}
	if err != nil {
		return sub, errors.Wrap(err, "load submission")
	}
	sub.SurveyID = int(surveyID)
	if err := unmarshalLogic(metadata, &sub.Metadata); err != nil {
		return sub, err
	}

	sub.Responses, err = fetchResponses(ctx, q, submissionID)
	return sub, err
}

func fetchResponses(ctx context.Context, q Querier, submissionID int64) ([]model.Response, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, type_constraint,
			answer_text, answer_photo, answer_integer, answer_decimal,
			answer_date, answer_time, answer_timestamp,
			answer_location, answer_facility,
			other, dont_know
		FROM answer
		WHERE submission_id = ?
		ORDER BY id`,
		submissionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load answers")
	}
	defer rows.Close()

	payloadIndex := map[TypeConstraint]int{
		TypeText: 0, TypePhoto: 1, TypeInteger: 2, TypeDecimal: 3,
		TypeDate: 4, TypeTime: 5, TypeTimestamp: 6,
		TypeLocation: 7, TypeFacility: 8,
	}

	var responses []model.Response
	for rows.Next() {
		var (
			questionID      int64
			tc              string
			payloads        [9]any
			other, dontKnow *string
		)
		dest := []any{&questionID, &tc}
		for i := range payloads {
			dest = append(dest, &payloads[i])
		}
		dest = append(dest, &other, &dontKnow)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan answer")
		}

		var value any
		if idx, ok := payloadIndex[TypeConstraint(tc)]; ok {
			value = payloads[idx]
		}
		responseType, response := responseView(TypeConstraint(tc), value, other, dontKnow)
		responses = append(responses, model.Response{
			QuestionID:   int(questionID),
			ResponseType: responseType,
			Response:     response,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read answers")
	}

	choiceRows, err := q.QueryContext(ctx, `
		SELECT a.question_id, qc.choice
		FROM answer_choice a
		INNER JOIN question_choice qc ON (a.question_choice_id = qc.id)
		WHERE a.submission_id = ?
		ORDER BY a.id`,
		submissionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load choice answers")
	}
	defer choiceRows.Close()

	for choiceRows.Next() {
		var (
			questionID int64
			choice     string
		)
		if err := choiceRows.Scan(&questionID, &choice); err != nil {
			return nil, errors.Wrap(err, "scan choice answer")
		}
		responses = append(responses, model.Response{
			QuestionID:   int(questionID),
			ResponseType: ResponseAnswer,
			Response:     choice,
		})
	}
	return responses, errors.Wrap(choiceRows.Err(), "read choice answers")
}

// GetSubmissions returns every submission of a survey, responses included.
func GetSubmissions(ctx context.Context, q Querier, surveyID int64) ([]model.Submission, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM survey WHERE id = ?)`,
		surveyID,
	).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "check survey")
	}
	if !exists {
		return nil, SurveyDoesNotExistError{ID: surveyID}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id FROM submission
		WHERE survey_id = ?
		ORDER BY submission_time, id`,
		surveyID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list submissions")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan submission id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read submission ids")
	}

	submissions := make([]model.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := GetSubmission(ctx, q, id)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, sub)
	}
	return submissions, nil
}

// DeleteSubmission removes a submission and its answers, in explicit order.
func DeleteSubmission(ctx context.Context, tx *sql.Tx, submissionID int64) error {
	for _, step := range []string{
		`DELETE FROM answer_choice WHERE submission_id = ?`,
		`DELETE FROM answer WHERE submission_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, step, submissionID); err != nil {
			return errors.Wrap(err, "delete submission answers")
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM submission WHERE id = ?`, submissionID)
	if err != nil {
		return errors.Wrap(err, "delete submission")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "verify submission delete")
	}
	if n < 1 {
		return SubmissionDoesNotExistError{ID: submissionID}
	}
	return nil
}

func unmarshalLogic(raw string, into any) error {
	if raw == "" {
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(raw), into), "parse stored JSON")
}
