package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// titleSuffixAttempts bounds the auto-suffix recovery for colliding survey
// titles before giving up with SurveyAlreadyExistsError.
const titleSuffixAttempts = 1000

func userIDByEmail(ctx context.Context, q Querier, email string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM user WHERE email = ?`,
		email,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, UserDoesNotExistError{Email: email}
	}
	if err != nil {
		return 0, errors.Wrap(err, "look up user")
	}
	return id, nil
}

// freeTitle returns the submitted title if it is not taken by the user,
// otherwise the first free "title(n)" with n counting up from 1.
func freeTitle(ctx context.Context, q Querier, userID int64, title string) (string, error) {
	candidate := title
	for n := 0; n < titleSuffixAttempts; n++ {
		if n > 0 {
			candidate = fmt.Sprintf("%s(%d)", title, n)
		}
		var taken bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM survey WHERE user_id = ? AND title = ?
			)`,
			userID, candidate,
		).Scan(&taken)
		if err != nil {
			return "", errors.Wrap(err, "check title")
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", SurveyAlreadyExistsError{Title: title}
}

// Create builds a brand-new survey from the submitted specification. The
// whole graph is inserted within tx; any validation failure leaves rollback
// to the caller and no partial graph ever becomes visible.
func Create(ctx context.Context, tx *sql.Tx, s model.Survey) (int64, error) {
	userID, err := userIDByEmail(ctx, tx, s.Email)
	if err != nil {
		return 0, err
	}
	return createSurveyGraph(ctx, tx, s, userID, 1, 0)
}

// Update creates a full new version of the survey identified by s.ID,
// selectively copying forward submissions, answers and choice-answers from
// the prior version. The old survey and all its data remain queryable under
// their original ids; its title is renamed to mark it superseded.
func Update(ctx context.Context, tx *sql.Tx, s model.Survey) (int64, error) {
	userID, err := userIDByEmail(ctx, tx, s.Email)
	if err != nil {
		return 0, err
	}

	oldID := int64(s.ID)
	var (
		oldTitle   string
		oldVersion int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT title, version FROM survey
		WHERE id = ? AND user_id = ?`,
		oldID, userID,
	).Scan(&oldTitle, &oldVersion)
	if err == sql.ErrNoRows {
		return 0, SurveyDoesNotExistError{ID: oldID}
	}
	if err != nil {
		return 0, errors.Wrap(err, "load survey")
	}

	// nanosecond precision keeps back-to-back updates from colliding on
	// the UNIQUE(user_id, title) constraint
	supersededTitle := fmt.Sprintf("%s (new version created on %s)",
		oldTitle, time.Now().Format(time.RFC3339Nano))
	_, err = tx.ExecContext(ctx, `
		UPDATE survey SET title = ? WHERE id = ?`,
		supersededTitle, oldID,
	)
	if err != nil {
		if uniqueViolation(err, "survey.user_id") {
			return 0, SurveyAlreadyExistsError{Title: supersededTitle}
		}
		return 0, errors.Wrap(err, "rename superseded survey")
	}

	return createSurveyGraph(ctx, tx, s, userID, oldVersion+1, oldID)
}

// createSurveyGraph inserts the survey row, copies submissions forward when
// oldSurveyID is set, then builds questions, choices and branches. The
// question set must contain at least one terminal question; branch cycles
// among non-terminal questions are not detected.
func createSurveyGraph(ctx context.Context, tx *sql.Tx, s model.Survey, userID int64, version int, oldSurveyID int64) (int64, error) {
	title, err := freeTitle(ctx, tx, userID, s.Title)
	if err != nil {
		return 0, err
	}

	metadata, err := marshalMetadata(s.Metadata)
	if err != nil {
		return 0, err
	}

	var surveyID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO survey (user_id, title, version, metadata, created_on)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		userID, title, version, metadata, time.Now(),
	).Scan(&surveyID)
	if err != nil {
		if uniqueViolation(err, "survey.user_id") {
			return 0, SurveyAlreadyExistsError{Title: title}
		}
		return 0, errors.Wrap(err, "insert survey")
	}

	var submissionMap map[int64]int64
	if oldSurveyID != 0 {
		submissionMap, err = copySubmissions(ctx, tx, oldSurveyID, surveyID)
		if err != nil {
			return 0, err
		}
	}

	digests, err := createQuestions(ctx, tx, surveyID, s.Questions, submissionMap)
	if err != nil {
		return 0, err
	}

	terminates := false
	for _, d := range digests {
		if d.QuestionToSequenceNumber == -1 {
			terminates = true
			break
		}
	}
	if !terminates {
		return 0, SurveyDoesNotEndError{}
	}

	if err := createBranches(ctx, tx, s.Questions, digests); err != nil {
		return 0, err
	}
	return surveyID, nil
}

// copySubmissions duplicates every submission of the old survey under the
// new one, keeping submitter, time and metadata, and returns the old-id to
// new-id map the answer migration keys on.
func copySubmissions(ctx context.Context, tx *sql.Tx, oldSurveyID, newSurveyID int64) (map[int64]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, submitter, submission_time, metadata
		FROM submission
		WHERE survey_id = ?
		ORDER BY id`,
		oldSurveyID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load submissions")
	}
	defer rows.Close()

	type oldSubmission struct {
		id        int64
		submitter string
		time      time.Time
		metadata  string
	}
	var olds []oldSubmission
	for rows.Next() {
		var old oldSubmission
		if err := rows.Scan(&old.id, &old.submitter, &old.time, &old.metadata); err != nil {
			return nil, errors.Wrap(err, "scan submission")
		}
		olds = append(olds, old)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read submissions")
	}

	submissionMap := make(map[int64]int64, len(olds))
	for _, old := range olds {
		var newID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO submission (survey_id, submitter, submission_time, metadata)
			VALUES (?, ?, ?, ?)
			RETURNING id`,
			newSurveyID, old.submitter, old.time, old.metadata,
		).Scan(&newID)
		if err != nil {
			return nil, errors.Wrap(err, "copy submission")
		}
		submissionMap[old.id] = newID
	}
	return submissionMap, nil
}

// Get returns the survey with its full question graph. The survey must be
// owned by the user identified by email.
func Get(ctx context.Context, q Querier, surveyID int64, email string) (model.Survey, error) {
	return fetchSurvey(ctx, q, surveyID, email)
}

// Display returns the survey without a credentials check, for enumerators
// about to submit.
func Display(ctx context.Context, q Querier, surveyID int64) (model.Survey, error) {
	return fetchSurvey(ctx, q, surveyID, "")
}

// GetAll returns every survey owned by the user, questions included.
func GetAll(ctx context.Context, q Querier, email string) ([]model.Survey, error) {
	if _, err := userIDByEmail(ctx, q, email); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT s.id
		FROM survey s
		INNER JOIN user u ON (s.user_id = u.id)
		WHERE u.email = ?
		ORDER BY s.created_on, s.id`,
		email,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list surveys")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan survey id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read survey ids")
	}

	surveys := make([]model.Survey, 0, len(ids))
	for _, id := range ids {
		s, err := fetchSurvey(ctx, q, id, email)
		if err != nil {
			return nil, err
		}
		surveys = append(surveys, s)
	}
	return surveys, nil
}

func fetchSurvey(ctx context.Context, q Querier, surveyID int64, email string) (model.Survey, error) {
	query := `
		SELECT s.id, s.title, s.version, s.metadata, s.created_on
		FROM survey s
		WHERE s.id = ?`
	args := []any{surveyID}
	if email != "" {
		query = `
		SELECT s.id, s.title, s.version, s.metadata, s.created_on
		FROM survey s
		INNER JOIN user u ON (s.user_id = u.id)
		WHERE s.id = ? AND u.email = ?`
		args = append(args, email)
	}

	s := model.Survey{}
	var metadata string
	err := q.QueryRowContext(ctx, query, args...).
		Scan(&s.ID, &s.Title, &s.Version, &metadata, &s.CreatedOn)
	if err == sql.ErrNoRows {
		return s, SurveyDoesNotExistError{ID: surveyID}
	}
	if err != nil {
		return s, errors.Wrap(err, "load survey")
	}
	if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
		return s, errors.Wrap(err, "parse survey metadata")
	}

	s.Questions, err = fetchQuestions(ctx, q, surveyID)
	return s, err
}

func fetchQuestions(ctx context.Context, q Querier, surveyID int64) ([]model.Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, title, hint, sequence_number, type_constraint,
			allow_multiple, logic, question_to_sequence_number
		FROM question
		WHERE survey_id = ?
		ORDER BY sequence_number`,
		surveyID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load questions")
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			question model.Question
			logic    string
		)
		err := rows.Scan(
			&question.ID, &question.Title, &question.Hint,
			&question.SequenceNumber, &question.TypeConstraint,
			&question.AllowMultiple, &logic, &question.QuestionToSequenceNumber,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan question")
		}
		if err := json.Unmarshal([]byte(logic), &question.Logic); err != nil {
			return nil, errors.Wrap(err, "parse question logic")
		}
		questions = append(questions, question)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read questions")
	}

	for i := range questions {
		if TypeConstraint(questions[i].TypeConstraint) != TypeMultipleChoice {
			continue
		}
		if err := fetchChoicesAndBranches(ctx, q, &questions[i]); err != nil {
			return nil, err
		}
	}
	return questions, nil
}

func fetchChoicesAndBranches(ctx context.Context, q Querier, question *model.Question) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, choice, choice_number
		FROM question_choice
		WHERE question_id = ?
		ORDER BY choice_number`,
		question.ID,
	)
	if err != nil {
		return errors.Wrap(err, "load choices")
	}
	defer rows.Close()

	for rows.Next() {
		var choice model.Choice
		if err := rows.Scan(&choice.ID, &choice.Text, &choice.ChoiceNumber); err != nil {
			return errors.Wrap(err, "scan choice")
		}
		question.Choices = append(question.Choices, choice)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "read choices")
	}

	branchRows, err := q.QueryContext(ctx, `
		SELECT qc.choice_number, b.to_sequence_number
		FROM question_branch b
		INNER JOIN question_choice qc ON (b.question_choice_id = qc.id)
		WHERE b.from_question_id = ?
		ORDER BY qc.choice_number`,
		question.ID,
	)
	if err != nil {
		return errors.Wrap(err, "load branches")
	}
	defer branchRows.Close()

	for branchRows.Next() {
		var branch model.Branch
		if err := branchRows.Scan(&branch.ChoiceNumber, &branch.ToQuestionNumber); err != nil {
			return errors.Wrap(err, "scan branch")
		}
		question.Branches = append(question.Branches, branch)
	}
	return errors.Wrap(branchRows.Err(), "read branches")
}

// Delete removes a survey and everything it owns. The source store relied
// on cascades; here the deletion order is explicit: choice-answers, answers,
// submissions, branches, choices, questions, survey.
func Delete(ctx context.Context, tx *sql.Tx, surveyID int64) error {
	steps := []string{
		`DELETE FROM answer_choice WHERE survey_id = ?`,
		`DELETE FROM answer WHERE survey_id = ?`,
		`DELETE FROM submission WHERE survey_id = ?`,
		`DELETE FROM question_branch WHERE from_question_id IN
			(SELECT id FROM question WHERE survey_id = ?)`,
		`DELETE FROM question_choice WHERE question_id IN
			(SELECT id FROM question WHERE survey_id = ?)`,
		`DELETE FROM question WHERE survey_id = ?`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, surveyID); err != nil {
			return errors.Wrap(err, "delete survey data")
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM survey WHERE id = ?`, surveyID)
	if err != nil {
		return errors.Wrap(err, "delete survey")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "verify survey delete")
	}
	if n < 1 {
		return SurveyDoesNotExistError{ID: surveyID}
	}
	return nil
}

func marshalMetadata(metadata any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.Wrap(err, "marshal metadata")
	}
	return string(raw), nil
}
