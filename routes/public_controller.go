package routes

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/fieldworks/survey-server/app"
	"github.com/fieldworks/survey-server/httpx"
	"github.com/fieldworks/survey-server/log"
	"github.com/fieldworks/survey-server/model"
	"github.com/fieldworks/survey-server/survey"
)

// DisplaySurvey returns a survey without a credentials check, for
// enumerators about to submit.
func DisplaySurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		s, err := survey.Display(r.Context(), app.DB, surveyId)
		if err != nil {
			renderEngineError(w, r, "survey.display", err)
			return
		}

		render.JSON(w, r, s)
	}
}

func SubmitSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		submission := model.Submission{}
		err = render.DecodeJSON(r.Body, &submission)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		submission.SurveyID = surveyId

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		submissionId, err := survey.Submit(r.Context(), tx, submission)
		if err != nil {
			renderEngineError(w, r, "submission.submit", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "submission.submit.commit", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"submission_id": submissionId,
		})
	}
}
