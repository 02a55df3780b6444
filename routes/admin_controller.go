package routes

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/oauth"
	"github.com/go-chi/render"

	"github.com/fieldworks/survey-server/app"
	"github.com/fieldworks/survey-server/httpx"
	"github.com/fieldworks/survey-server/log"
	"github.com/fieldworks/survey-server/model"
	"github.com/fieldworks/survey-server/survey"
)

// authEmail resolves the acting user: the authenticated oauth credential
// when present, otherwise the email supplied in the request body.
func authEmail(r *http.Request, fallback string) string {
	if cred, ok := r.Context().Value(oauth.CredentialContext).(string); ok && cred != "" {
		return cred
	}
	return fallback
}

func CreateSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := model.Survey{}
		err := render.DecodeJSON(r.Body, &s)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		s.Email = authEmail(r, s.Email)

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		surveyId, err := survey.Create(r.Context(), tx, s)
		if err != nil {
			renderEngineError(w, r, "survey.create", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "survey.create.commit", err)
			return
		}

		created, err := survey.Get(r.Context(), app.DB, surveyId, s.Email)
		if err != nil {
			renderEngineError(w, r, "survey.create.fetch", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, created)
	}
}

func ListSurveys(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := authEmail(r, r.URL.Query().Get("email"))

		surveys, err := survey.GetAll(r.Context(), app.DB, email)
		if err != nil {
			renderEngineError(w, r, "survey.list", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"surveys": surveys,
		})
	}
}

func GetSurveyById(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}
		email := authEmail(r, r.URL.Query().Get("email"))

		s, err := survey.Get(r.Context(), app.DB, surveyId, email)
		if err != nil {
			renderEngineError(w, r, "survey.get", err)
			return
		}

		render.JSON(w, r, s)
	}
}

// UpdateSurvey creates a brand-new survey version and marks the old one
// superseded; the old survey stays queryable under its original id.
func UpdateSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		s := model.Survey{}
		err = render.DecodeJSON(r.Body, &s)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		s.ID = surveyId
		s.Email = authEmail(r, s.Email)

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		newSurveyId, err := survey.Update(r.Context(), tx, s)
		if err != nil {
			renderEngineError(w, r, "survey.update", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "survey.update.commit", err)
			return
		}

		updated, err := survey.Get(r.Context(), app.DB, newSurveyId, s.Email)
		if err != nil {
			renderEngineError(w, r, "survey.update.fetch", err)
			return
		}

		render.JSON(w, r, updated)
	}
}

func DeleteSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		err = survey.Delete(r.Context(), tx, surveyId)
		if err != nil {
			renderEngineError(w, r, "survey.delete", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "survey.delete.commit", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func GetSurveySubmissions(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		submissions, err := survey.GetSubmissions(r.Context(), app.DB, surveyId)
		if err != nil {
			renderEngineError(w, r, "submission.list", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"submissions": submissions,
		})
	}
}

func GetSurveyStats(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}
		email := authEmail(r, r.URL.Query().Get("email"))

		stats, err := survey.GetQuestionStats(r.Context(), app.DB, surveyId, survey.Identity{Email: email})
		if err != nil {
			renderEngineError(w, r, "aggregation.question_stats", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"result": stats,
		})
	}
}

func GetSubmissionById(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		submissionId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		submission, err := survey.GetSubmission(r.Context(), app.DB, submissionId)
		if err != nil {
			renderEngineError(w, r, "submission.get", err)
			return
		}

		render.JSON(w, r, submission)
	}
}

func DeleteSubmission(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		submissionId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		err = survey.DeleteSubmission(r.Context(), tx, submissionId)
		if err != nil {
			renderEngineError(w, r, "submission.delete", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "submission.delete.commit", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func AggregateQuestion(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}
		statistic := chi.URLParam(r, "statistic")
		email := authEmail(r, r.URL.Query().Get("email"))

		result, err := survey.Aggregate(r.Context(), app.DB, questionId, statistic, survey.Identity{Email: email})
		if err != nil {
			renderEngineError(w, r, "aggregation."+statistic, err)
			return
		}

		render.JSON(w, r, result)
	}
}
