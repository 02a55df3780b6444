package survey

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/fieldworks/survey-server/config"
	"github.com/fieldworks/survey-server/database"
	"github.com/fieldworks/survey-server/model"
)

const (
	testEmail  = "test@fieldworks.dev"
	otherEmail = "other@fieldworks.dev"
)

var testDBSeq int64

// newTestDB opens a fresh in-memory database with the full schema applied
// and the two test users inserted.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared",
		atomic.AddInt64(&testDBSeq, 1))
	db, err := database.Open(config.Config{DBUrl: url})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// shared-cache in-memory databases dislike concurrent connections
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, email := range []string{testEmail, otherEmail} {
		_, err = db.Exec(
			`INSERT INTO user (email, password_hash) VALUES (?, ?)`,
			email, "not-a-real-hash",
		)
		if err != nil {
			t.Fatalf("insert test user: %v", err)
		}
	}
	return db
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	return nil
}

func logic(required, withOther bool) model.Logic {
	return model.Logic{"required": required, "with_other": withOther}
}

func textQuestion(title string, next int) model.Question {
	return model.Question{
		Title:                    title,
		TypeConstraint:           "text",
		Logic:                    logic(false, false),
		QuestionToSequenceNumber: next,
	}
}

func integerQuestion(title string, next int) model.Question {
	return model.Question{
		Title:                    title,
		TypeConstraint:           "integer",
		Logic:                    logic(false, false),
		QuestionToSequenceNumber: next,
	}
}

func choiceTexts(texts ...string) []model.Choice {
	choices := make([]model.Choice, len(texts))
	for i, text := range texts {
		choices[i] = model.Choice{Text: text}
	}
	return choices
}

func choiceQuestion(title string, next int, texts ...string) model.Question {
	return model.Question{
		Title:                    title,
		TypeConstraint:           "multiple_choice",
		Logic:                    logic(false, false),
		Choices:                  choiceTexts(texts...),
		QuestionToSequenceNumber: next,
	}
}

// createSurvey runs Create in its own committed transaction and returns the
// new survey id.
func createSurvey(t *testing.T, db *sql.DB, s model.Survey) int64 {
	t.Helper()

	if s.Email == "" {
		s.Email = testEmail
	}
	var surveyID int64
	err := inTx(t, db, func(tx *sql.Tx) error {
		var err error
		surveyID, err = Create(context.Background(), tx, s)
		return err
	})
	if err != nil {
		t.Fatalf("create survey: %v", err)
	}
	return surveyID
}

// updateSurvey runs Update in its own committed transaction and returns the
// new version's survey id.
func updateSurvey(t *testing.T, db *sql.DB, s model.Survey) int64 {
	t.Helper()

	if s.Email == "" {
		s.Email = testEmail
	}
	var surveyID int64
	err := inTx(t, db, func(tx *sql.Tx) error {
		var err error
		surveyID, err = Update(context.Background(), tx, s)
		return err
	})
	if err != nil {
		t.Fatalf("update survey: %v", err)
	}
	return surveyID
}

// submit runs Submit in its own committed transaction.
func submit(t *testing.T, db *sql.DB, sub model.Submission) int64 {
	t.Helper()

	var submissionID int64
	err := inTx(t, db, func(tx *sql.Tx) error {
		var err error
		submissionID, err = Submit(context.Background(), tx, sub)
		return err
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return submissionID
}

func submitAnswer(t *testing.T, db *sql.DB, surveyID int64, questionID int, answer any) int64 {
	t.Helper()
	return submit(t, db, model.Submission{
		SurveyID:  int(surveyID),
		Submitter: "test_submitter",
		Answers: []model.Answer{
			{QuestionID: questionID, Answer: answer},
		},
	})
}
