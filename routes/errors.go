package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/fieldworks/survey-server/httpx"
	"github.com/fieldworks/survey-server/log"
	"github.com/fieldworks/survey-server/survey"
)

// engineError is implemented by every error of the survey engine taxonomy.
type engineError interface {
	error
	Kind() string
}

// renderEngineError maps engine errors onto HTTP statuses: lookup misses to
// 404, integrity conflicts to 409, everything else in the taxonomy to 422.
// Unknown errors are internal.
func renderEngineError(w http.ResponseWriter, r *http.Request, code string, err error) {
	var engineErr engineError
	if !errors.As(err, &engineErr) {
		httpx.LogInternalError(w, code, err)
		return
	}

	status := http.StatusUnprocessableEntity
	switch engineErr.(type) {
	case survey.SurveyAlreadyExistsError,
		survey.MultipleBranchError,
		survey.CannotAnswerMultipleTimesError:
		status = http.StatusConflict
	case survey.SurveyDoesNotExistError,
		survey.QuestionDoesNotExistError,
		survey.SubmissionDoesNotExistError,
		survey.UserDoesNotExistError:
		status = http.StatusNotFound
	}

	log.Debugf("%s: %s", code, err)
	render.Status(r, status)
	render.JSON(w, r, map[string]any{
		"error":  engineErr.Kind(),
		"reason": engineErr.Error(),
	})
}
