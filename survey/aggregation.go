package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// Identity names the caller of an aggregation. Either Email or AuthUserID
// must be set; a caller who does not own the question's survey gets
// QuestionDoesNotExistError rather than a hint that the question exists.
type Identity struct {
	Email      string
	AuthUserID int64
}

// Result is the aggregation response envelope.
type Result struct {
	Result any    `json:"result"`
	Query  string `json:"query"`
}

// orderedStats lists type constraints with a usable ordering, eligible for
// min/max/sum/avg/stddev and time_series.
var orderedStats = map[TypeConstraint]bool{
	TypeInteger:   true,
	TypeDecimal:   true,
	TypeDate:      true,
	TypeTime:      true,
	TypeTimestamp: true,
}

// discreteStats lists type constraints eligible for mode and bar_graph.
var discreteStats = map[TypeConstraint]bool{
	TypeInteger:        true,
	TypeDecimal:        true,
	TypeDate:           true,
	TypeTime:           true,
	TypeTimestamp:      true,
	TypeLocation:       true,
	TypeMultipleChoice: true,
}

// Aggregate computes one statistic over the answers to a question. Every
// statistic except count fails with NoSubmissionsToQuestionError when no
// qualifying answers exist; count returns 0.
func Aggregate(ctx context.Context, q Querier, questionID int64, statistic string, ident Identity) (Result, error) {
	tc, err := resolveQuestion(ctx, q, questionID, ident)
	if err != nil {
		return Result{}, err
	}

	var value any
	switch statistic {
	case "count":
		value, err = aggregateCount(ctx, q, questionID)

	case "min", "max", "sum", "avg":
		if !orderedStats[tc] {
			return Result{}, InvalidTypeForAggregationError{tc, statistic}
		}
		value, err = aggregateSQL(ctx, q, questionID, tc, statistic)

	case "stddev_pop", "stddev_samp":
		if !orderedStats[tc] {
			return Result{}, InvalidTypeForAggregationError{tc, statistic}
		}
		value, err = aggregateStddev(ctx, q, questionID, tc, statistic)

	case "mode":
		if !discreteStats[tc] {
			return Result{}, InvalidTypeForAggregationError{tc, statistic}
		}
		value, err = aggregateMode(ctx, q, questionID, tc)

	case "time_series":
		if !orderedStats[tc] {
			return Result{}, InvalidTypeForAggregationError{tc, statistic}
		}
		value, err = aggregateTimeSeries(ctx, q, questionID, tc)

	case "bar_graph":
		if !discreteStats[tc] {
			return Result{}, InvalidTypeForAggregationError{tc, statistic}
		}
		value, err = aggregateBarGraph(ctx, q, questionID, tc)

	default:
		return Result{}, NotAStatisticError{Name: statistic}
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Result: value, Query: statistic}, nil
}

func resolveQuestion(ctx context.Context, q Querier, questionID int64, ident Identity) (TypeConstraint, error) {
	if ident.Email == "" && ident.AuthUserID == 0 {
		return "", errors.New("aggregation requires an email or auth user id")
	}

	var (
		tc     string
		userID int64
		email  string
	)
	err := q.QueryRowContext(ctx, `
		SELECT q.type_constraint, s.user_id, u.email
		FROM question q
		INNER JOIN survey s ON (q.survey_id = s.id)
		INNER JOIN user u ON (s.user_id = u.id)
		WHERE q.id = ?`,
		questionID,
	).Scan(&tc, &userID, &email)
	if err == sql.ErrNoRows {
		return "", QuestionDoesNotExistError{ID: questionID}
	}
	if err != nil {
		return "", errors.Wrap(err, "resolve question")
	}

	if ident.Email != "" && ident.Email != email {
		return "", QuestionDoesNotExistError{ID: questionID}
	}
	if ident.AuthUserID != 0 && ident.AuthUserID != userID {
		return "", QuestionDoesNotExistError{ID: questionID}
	}
	return TypeConstraint(tc), nil
}

// aggregateCount counts all answers to the question, "other" and
// "don't know" responses included, across both answer tables.
func aggregateCount(ctx context.Context, q Querier, questionID int64) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM answer WHERE question_id = ?) +
			(SELECT COUNT(*) FROM answer_choice WHERE question_id = ?)`,
		questionID, questionID,
	).Scan(&count)
	return count, errors.Wrap(err, "count answers")
}

func aggregateSQL(ctx context.Context, q Querier, questionID int64, tc TypeConstraint, statistic string) (any, error) {
	fn := map[string]string{"min": "MIN", "max": "MAX", "sum": "SUM", "avg": "AVG"}[statistic]
	col := answerColumns[tc]

	var value any
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s(%s) FROM answer
		WHERE question_id = ? AND %s IS NOT NULL`, fn, col, col),
		questionID,
	).Scan(&value)
	if err != nil {
		return nil, errors.Wrapf(err, "compute %s", statistic)
	}
	if value == nil {
		return nil, NoSubmissionsToQuestionError{QuestionID: questionID}
	}
	return value, nil
}

func aggregateStddev(ctx context.Context, q Querier, questionID int64, tc TypeConstraint, statistic string) (float64, error) {
	col := answerColumns[tc]
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT CAST(%s AS REAL) FROM answer
		WHERE question_id = ? AND %s IS NOT NULL`, col, col),
		questionID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "load answer values")
	}
	defer rows.Close()

	var values stats.Float64Data
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, errors.Wrap(err, "scan answer value")
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "read answer values")
	}
	if len(values) == 0 {
		return 0, NoSubmissionsToQuestionError{QuestionID: questionID}
	}

	var result float64
	if statistic == "stddev_pop" {
		result, err = stats.StandardDeviationPopulation(values)
	} else {
		result, err = stats.StandardDeviationSample(values)
	}
	return result, errors.Wrapf(err, "compute %s", statistic)
}

type valueCount struct {
	value any
	count int64
}

func groupedCounts(ctx context.Context, q Querier, questionID int64, tc TypeConstraint) ([]valueCount, error) {
	var (
		query string
		args  []any
	)
	if tc == TypeMultipleChoice {
		query = `
			SELECT qc.choice, COUNT(*)
			FROM answer_choice a
			INNER JOIN question_choice qc ON (a.question_choice_id = qc.id)
			WHERE a.question_id = ?
			GROUP BY qc.id
			ORDER BY qc.choice_number`
		args = []any{questionID}
	} else {
		col := answerColumns[tc]
		query = fmt.Sprintf(`
			SELECT %s, COUNT(*)
			FROM answer
			WHERE question_id = ? AND %s IS NOT NULL
			GROUP BY %s
			ORDER BY %s`, col, col, col, col)
		args = []any{questionID}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "group answers")
	}
	defer rows.Close()

	var groups []valueCount
	for rows.Next() {
		var g valueCount
		if err := rows.Scan(&g.value, &g.count); err != nil {
			return nil, errors.Wrap(err, "scan answer group")
		}
		g.value = externalValue(tc, g.value)
		groups = append(groups, g)
	}
	return groups, errors.Wrap(rows.Err(), "read answer groups")
}

// aggregateMode returns all tied most-frequent values, in ascending value
// order. Ties are never broken arbitrarily.
func aggregateMode(ctx context.Context, q Querier, questionID int64, tc TypeConstraint) ([]any, error) {
	groups, err := groupedCounts(ctx, q, questionID, tc)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, NoSubmissionsToQuestionError{QuestionID: questionID}
	}

	var max int64
	for _, g := range groups {
		if g.count > max {
			max = g.count
		}
	}
	mode := []any{}
	for _, g := range groups {
		if g.count == max {
			mode = append(mode, g.value)
		}
	}
	return mode, nil
}

// aggregateBarGraph returns (value, count) pairs grouped by distinct value,
// ordered by value; choice answers follow the author's choice order.
func aggregateBarGraph(ctx context.Context, q Querier, questionID int64, tc TypeConstraint) ([][]any, error) {
	groups, err := groupedCounts(ctx, q, questionID, tc)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, NoSubmissionsToQuestionError{QuestionID: questionID}
	}

	pairs := make([][]any, len(groups))
	for i, g := range groups {
		pairs[i] = []any{g.value, g.count}
	}
	return pairs, nil
}

// aggregateTimeSeries returns (submission time, value) pairs ordered by
// submission time.
func aggregateTimeSeries(ctx context.Context, q Querier, questionID int64, tc TypeConstraint) ([][]any, error) {
	col := answerColumns[tc]
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.submission_time, a.%s
		FROM answer a
		INNER JOIN submission s ON (a.submission_id = s.id)
		WHERE a.question_id = ? AND a.%s IS NOT NULL
		ORDER BY s.submission_time, a.id`, col, col),
		questionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load time series")
	}
	defer rows.Close()

	var series [][]any
	for rows.Next() {
		var (
			when  time.Time
			value any
		)
		if err := rows.Scan(&when, &value); err != nil {
			return nil, errors.Wrap(err, "scan time series entry")
		}
		series = append(series, []any{when, value})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read time series")
	}
	if len(series) == 0 {
		return nil, NoSubmissionsToQuestionError{QuestionID: questionID}
	}
	return series, nil
}

// externalValue converts a stored payload to its external aggregation shape:
// location JSON becomes a (lng, lat) pair, everything else passes through.
func externalValue(tc TypeConstraint, stored any) any {
	if tc != TypeLocation {
		return stored
	}
	s, ok := stored.(string)
	if !ok {
		if b, isBytes := stored.([]byte); isBytes {
			s = string(b)
		} else {
			return stored
		}
	}
	var loc locationPayload
	if err := json.Unmarshal([]byte(s), &loc); err != nil {
		return stored
	}
	return []any{loc.Lng, loc.Lat}
}

// QuestionStats pairs a question with the statistics applicable to its
// type.
type QuestionStats struct {
	Question model.Question `json:"question"`
	Stats    map[string]any `json:"stats"`
}

// GetQuestionStats computes, for every question of a survey, each statistic
// its type admits. Questions without submissions only report their count.
func GetQuestionStats(ctx context.Context, q Querier, surveyID int64, ident Identity) ([]QuestionStats, error) {
	if ident.Email == "" && ident.AuthUserID == 0 {
		return nil, errors.New("aggregation requires an email or auth user id")
	}

	var (
		userID int64
		email  string
	)
	err := q.QueryRowContext(ctx, `
		SELECT s.user_id, u.email
		FROM survey s
		INNER JOIN user u ON (s.user_id = u.id)
		WHERE s.id = ?`,
		surveyID,
	).Scan(&userID, &email)
	if err == sql.ErrNoRows {
		return nil, SurveyDoesNotExistError{ID: surveyID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve survey")
	}
	if ident.Email != "" && ident.Email != email {
		return nil, SurveyDoesNotExistError{ID: surveyID}
	}
	if ident.AuthUserID != 0 && ident.AuthUserID != userID {
		return nil, SurveyDoesNotExistError{ID: surveyID}
	}

	questions, err := fetchQuestions(ctx, q, surveyID)
	if err != nil {
		return nil, err
	}

	result := make([]QuestionStats, 0, len(questions))
	for _, question := range questions {
		tc := TypeConstraint(question.TypeConstraint)
		statistics := []string{"count"}
		if orderedStats[tc] {
			statistics = append(statistics,
				"min", "max", "sum", "avg", "stddev_pop", "stddev_samp")
		}
		if discreteStats[tc] {
			statistics = append(statistics, "mode")
		}

		entry := QuestionStats{Question: question, Stats: map[string]any{}}
		for _, statistic := range statistics {
			res, err := Aggregate(ctx, q, int64(question.ID), statistic, ident)
			if err != nil {
				var noSubmissions NoSubmissionsToQuestionError
				if errors.As(err, &noSubmissions) {
					continue
				}
				return nil, err
			}
			entry.Stats[statistic] = res.Result
		}
		result = append(result, entry)
	}
	return result, nil
}
