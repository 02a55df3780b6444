package survey

import "fmt"

// Engine errors carry a stable kind string for the transport layer, plus a
// human-readable reason. Validation errors abort the whole operation; the
// caller owns the transaction and must roll back.

type UnknownTypeConstraintError struct {
	Name string
}

func (e UnknownTypeConstraintError) Error() string {
	return fmt.Sprintf("unknown type constraint: %q", e.Name)
}
func (UnknownTypeConstraintError) Kind() string { return "unknown_type_constraint" }

type NotAnAnswerTypeError struct {
	Name string
}

func (e NotAnAnswerTypeError) Error() string {
	return fmt.Sprintf("not an answer type: %q", e.Name)
}
func (NotAnAnswerTypeError) Kind() string { return "not_an_answer_type" }

type NotAResponseTypeError struct {
	Name string
}

func (e NotAResponseTypeError) Error() string {
	return fmt.Sprintf("not a response type: %q", e.Name)
}
func (NotAResponseTypeError) Kind() string { return "not_a_response_type" }

type MissingMinimalLogicError struct {
	QuestionTitle string
}

func (e MissingMinimalLogicError) Error() string {
	return fmt.Sprintf("logic of question %q must contain the keys 'required' and 'with_other'", e.QuestionTitle)
}
func (MissingMinimalLogicError) Kind() string { return "missing_minimal_logic" }

type RepeatedChoiceError struct {
	Choice string
}

func (e RepeatedChoiceError) Error() string {
	return fmt.Sprintf("choice supplied more than once: %q", e.Choice)
}
func (RepeatedChoiceError) Kind() string { return "repeated_choice" }

type QuestionChoiceDoesNotExistError struct {
	Choice string
}

func (e QuestionChoiceDoesNotExistError) Error() string {
	return fmt.Sprintf("question choice does not exist: %q", e.Choice)
}
func (QuestionChoiceDoesNotExistError) Kind() string { return "question_choice_does_not_exist" }

type MultipleBranchError struct {
	ChoiceID int64
}

func (e MultipleBranchError) Error() string {
	return fmt.Sprintf("multiple branches originate from choice %d", e.ChoiceID)
}
func (MultipleBranchError) Kind() string { return "multiple_branch" }

type SurveyDoesNotEndError struct{}

func (SurveyDoesNotEndError) Error() string {
	return "survey has no terminal question (question_to_sequence_number -1)"
}
func (SurveyDoesNotEndError) Kind() string { return "survey_does_not_end" }

type SurveyAlreadyExistsError struct {
	Title string
}

func (e SurveyAlreadyExistsError) Error() string {
	return fmt.Sprintf("survey with title %q already exists", e.Title)
}
func (SurveyAlreadyExistsError) Kind() string { return "survey_already_exists" }

type SurveyDoesNotExistError struct {
	ID int64
}

func (e SurveyDoesNotExistError) Error() string {
	return fmt.Sprintf("survey %d does not exist", e.ID)
}
func (SurveyDoesNotExistError) Kind() string { return "survey_does_not_exist" }

type QuestionDoesNotExistError struct {
	ID int64
}

func (e QuestionDoesNotExistError) Error() string {
	return fmt.Sprintf("question %d does not exist", e.ID)
}
func (QuestionDoesNotExistError) Kind() string { return "question_does_not_exist" }

type SubmissionDoesNotExistError struct {
	ID int64
}

func (e SubmissionDoesNotExistError) Error() string {
	return fmt.Sprintf("submission %d does not exist", e.ID)
}
func (SubmissionDoesNotExistError) Kind() string { return "submission_does_not_exist" }

type UserDoesNotExistError struct {
	Email string
}

func (e UserDoesNotExistError) Error() string {
	return fmt.Sprintf("user %q does not exist", e.Email)
}
func (UserDoesNotExistError) Kind() string { return "user_does_not_exist" }

type CannotAnswerMultipleTimesError struct {
	QuestionID int64
}

func (e CannotAnswerMultipleTimesError) Error() string {
	return fmt.Sprintf("question %d does not allow multiple answers", e.QuestionID)
}
func (CannotAnswerMultipleTimesError) Kind() string { return "cannot_answer_multiple_times" }

type RequiredQuestionSkippedError struct {
	QuestionID int64
}

func (e RequiredQuestionSkippedError) Error() string {
	return fmt.Sprintf("required question %d was skipped", e.QuestionID)
}
func (RequiredQuestionSkippedError) Kind() string { return "required_question_skipped" }

// AnswerTypeMismatchError reports a payload that cannot be coerced to the
// question's type constraint, or an "other" response to a question that
// does not allow one.
type AnswerTypeMismatchError struct {
	TypeConstraint TypeConstraint
	Reason         string
}

func (e AnswerTypeMismatchError) Error() string {
	return fmt.Sprintf("invalid %s answer: %s", e.TypeConstraint, e.Reason)
}
func (AnswerTypeMismatchError) Kind() string { return "answer_type_mismatch" }

type InvalidTypeForAggregationError struct {
	TypeConstraint TypeConstraint
	Statistic      string
}

func (e InvalidTypeForAggregationError) Error() string {
	return fmt.Sprintf("cannot compute %s over %s answers", e.Statistic, e.TypeConstraint)
}
func (InvalidTypeForAggregationError) Kind() string { return "invalid_type_for_aggregation" }

type NoSubmissionsToQuestionError struct {
	QuestionID int64
}

func (e NoSubmissionsToQuestionError) Error() string {
	return fmt.Sprintf("question %d has no submissions", e.QuestionID)
}
func (NoSubmissionsToQuestionError) Kind() string { return "no_submissions_to_question" }

type NotAStatisticError struct {
	Name string
}

func (e NotAStatisticError) Error() string {
	return fmt.Sprintf("unknown statistic: %q", e.Name)
}
func (NotAStatisticError) Kind() string { return "not_a_statistic" }
