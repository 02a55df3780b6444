package survey

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

func TestCreateSurveyRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	surveyID := createSurvey(t, db, model.Survey{
		Title:    "household water survey",
		Metadata: map[string]any{"location": "field office 3"},
		Questions: []model.Question{
			{
				Title:                    "household size",
				Hint:                     "count everyone sleeping here",
				TypeConstraint:           "integer",
				Logic:                    logic(true, false),
				QuestionToSequenceNumber: 2,
			},
			{
				Title:          "main water source",
				TypeConstraint: "multiple_choice",
				Logic:          logic(false, true),
				Choices:        choiceTexts("well", "river", "tap"),
				Branches: []model.Branch{
					{ChoiceNumber: 1, ToQuestionNumber: 3},
				},
				QuestionToSequenceNumber: 3,
			},
			textQuestion("notes", -1),
		},
	})

	got, err := Get(ctx, db, surveyID, testEmail)
	if err != nil {
		t.Fatalf("get survey: %v", err)
	}
	if got.Title != "household water survey" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if len(got.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(got.Questions))
	}
	for i, q := range got.Questions {
		if q.SequenceNumber != i+1 {
			t.Errorf("question %d has sequence number %d", i, q.SequenceNumber)
		}
	}
	if got.Questions[0].Hint != "count everyone sleeping here" {
		t.Errorf("hint = %q", got.Questions[0].Hint)
	}
	if !got.Questions[0].Logic.Required() {
		t.Error("first question lost its required flag")
	}

	mc := got.Questions[1]
	if len(mc.Choices) != 3 {
		t.Fatalf("got %d choices, want 3", len(mc.Choices))
	}
	for i, want := range []string{"well", "river", "tap"} {
		if mc.Choices[i].Text != want {
			t.Errorf("choice %d = %q, want %q", i, mc.Choices[i].Text, want)
		}
		if mc.Choices[i].ChoiceNumber != i {
			t.Errorf("choice %q has number %d", mc.Choices[i].Text, mc.Choices[i].ChoiceNumber)
		}
	}
	if len(mc.Branches) != 1 {
		t.Fatalf("got %d branches, want 1", len(mc.Branches))
	}
	if b := mc.Branches[0]; b.ChoiceNumber != 1 || b.ToQuestionNumber != 3 {
		t.Errorf("branch = %+v, want choice 1 to question 3", b)
	}
	if got.Questions[2].QuestionToSequenceNumber != -1 {
		t.Error("terminal question lost its -1 marker")
	}
}

func TestGetSurveyWrongOwner(t *testing.T) {
	db := newTestDB(t)

	surveyID := createSurvey(t, db, model.Survey{
		Title:     "private",
		Questions: []model.Question{textQuestion("q", -1)},
	})

	_, err := Get(context.Background(), db, surveyID, otherEmail)
	var notFound SurveyDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want SurveyDoesNotExistError", err)
	}

	// display needs no credentials
	if _, err := Display(context.Background(), db, surveyID); err != nil {
		t.Fatalf("display survey: %v", err)
	}
}

func TestCreateSurveyUnknownUser(t *testing.T) {
	db := newTestDB(t)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title:     "orphan",
			Email:     "nobody@fieldworks.dev",
			Questions: []model.Question{textQuestion("q", -1)},
		})
		return err
	})
	var notFound UserDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want UserDoesNotExistError", err)
	}
}

func TestCreateSurveyWithoutTerminalQuestion(t *testing.T) {
	db := newTestDB(t)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title: "endless",
			Email: testEmail,
			Questions: []model.Question{
				textQuestion("a", 2),
				textQuestion("b", 1),
			},
		})
		return err
	})
	var doesNotEnd SurveyDoesNotEndError
	if !errors.As(err, &doesNotEnd) {
		t.Fatalf("got %v, want SurveyDoesNotEndError", err)
	}

	// the rollback must leave no partial graph behind
	var surveys, questions int
	if err := db.QueryRow(`SELECT COUNT(*) FROM survey`).Scan(&surveys); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM question`).Scan(&questions); err != nil {
		t.Fatal(err)
	}
	if surveys != 0 || questions != 0 {
		t.Errorf("rollback left %d surveys and %d questions", surveys, questions)
	}
}

func TestCreateSurveyUnknownTypeConstraint(t *testing.T) {
	db := newTestDB(t)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title: "bad type",
			Email: testEmail,
			Questions: []model.Question{
				{
					Title:                    "q",
					TypeConstraint:           "telepathy",
					Logic:                    logic(false, false),
					QuestionToSequenceNumber: -1,
				},
			},
		})
		return err
	})
	var unknown UnknownTypeConstraintError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownTypeConstraintError", err)
	}
	if unknown.Name != "telepathy" {
		t.Errorf("error names %q", unknown.Name)
	}
}

func TestCreateSurveyMissingMinimalLogic(t *testing.T) {
	db := newTestDB(t)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title: "bad logic",
			Email: testEmail,
			Questions: []model.Question{
				{
					Title:                    "q",
					TypeConstraint:           "text",
					Logic:                    model.Logic{"required": true},
					QuestionToSequenceNumber: -1,
				},
			},
		})
		return err
	})
	var missing MissingMinimalLogicError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingMinimalLogicError", err)
	}
}

func TestCreateSurveyRepeatedChoice(t *testing.T) {
	db := newTestDB(t)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title: "doubled choice",
			Email: testEmail,
			Questions: []model.Question{
				choiceQuestion("pick one", -1, "a", "a"),
			},
		})
		return err
	})
	var repeated RepeatedChoiceError
	if !errors.As(err, &repeated) {
		t.Fatalf("got %v, want RepeatedChoiceError", err)
	}
	if repeated.Choice != "a" {
		t.Errorf("error names %q", repeated.Choice)
	}
}

func TestCreateSurveyMultipleBranchesFromOneChoice(t *testing.T) {
	db := newTestDB(t)

	q := choiceQuestion("fork", 2, "left", "right")
	q.Branches = []model.Branch{
		{ChoiceNumber: 0, ToQuestionNumber: 2},
		{ChoiceNumber: 0, ToQuestionNumber: 3},
	}
	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Create(context.Background(), tx, model.Survey{
			Title: "forked",
			Email: testEmail,
			Questions: []model.Question{
				q,
				textQuestion("b", 3),
				textQuestion("c", -1),
			},
		})
		return err
	})
	var multiple MultipleBranchError
	if !errors.As(err, &multiple) {
		t.Fatalf("got %v, want MultipleBranchError", err)
	}
}

func TestCreateSurveyBranchTargetsValidated(t *testing.T) {
	db := newTestDB(t)

	t.Run("choice out of range", func(t *testing.T) {
		q := choiceQuestion("pick", -1, "only")
		q.Branches = []model.Branch{{ChoiceNumber: 5, ToQuestionNumber: 1}}
		err := inTx(t, db, func(tx *sql.Tx) error {
			_, err := Create(context.Background(), tx, model.Survey{
				Title:     "bad choice ref",
				Email:     testEmail,
				Questions: []model.Question{q},
			})
			return err
		})
		var missing QuestionChoiceDoesNotExistError
		if !errors.As(err, &missing) {
			t.Fatalf("got %v, want QuestionChoiceDoesNotExistError", err)
		}
	})

	t.Run("question out of range", func(t *testing.T) {
		q := choiceQuestion("pick", -1, "only")
		q.Branches = []model.Branch{{ChoiceNumber: 0, ToQuestionNumber: 9}}
		err := inTx(t, db, func(tx *sql.Tx) error {
			_, err := Create(context.Background(), tx, model.Survey{
				Title:     "bad question ref",
				Email:     testEmail,
				Questions: []model.Question{q},
			})
			return err
		})
		var missing QuestionDoesNotExistError
		if !errors.As(err, &missing) {
			t.Fatalf("got %v, want QuestionDoesNotExistError", err)
		}
	})
}

// A branch cycle among non-terminal questions passes validation as long as
// some terminal question exists. Enumerator clients can still walk into the
// loop; this pins the accepted behavior.
func TestCreateSurveyBranchCycleAccepted(t *testing.T) {
	db := newTestDB(t)

	q1 := choiceQuestion("first", 2, "again")
	q1.Branches = []model.Branch{{ChoiceNumber: 0, ToQuestionNumber: 2}}
	q2 := choiceQuestion("second", 3, "back")
	q2.Branches = []model.Branch{{ChoiceNumber: 0, ToQuestionNumber: 1}}

	surveyID := createSurvey(t, db, model.Survey{
		Title:     "loops",
		Questions: []model.Question{q1, q2, textQuestion("end", -1)},
	})

	got, err := Get(context.Background(), db, surveyID, testEmail)
	if err != nil {
		t.Fatalf("get survey: %v", err)
	}
	if len(got.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(got.Questions))
	}
	if got.Questions[1].Branches[0].ToQuestionNumber != 1 {
		t.Error("cycle branch not persisted")
	}
}

func TestCreateSurveyTitleAutoSuffix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	blank := func(title string) model.Survey {
		return model.Survey{Title: title, Questions: []model.Question{textQuestion("q", -1)}}
	}

	createSurvey(t, db, blank("census"))
	createSurvey(t, db, blank("census"))
	createSurvey(t, db, blank("census"))
	createSurvey(t, db, blank("census(1)"))

	surveys, err := GetAll(ctx, db, testEmail)
	if err != nil {
		t.Fatalf("get all surveys: %v", err)
	}
	titles := map[string]bool{}
	for _, s := range surveys {
		titles[s.Title] = true
	}
	for _, want := range []string{"census", "census(1)", "census(2)", "census(1)(1)"} {
		if !titles[want] {
			t.Errorf("missing title %q among %v", want, titles)
		}
	}
}

func TestDeleteSurvey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	surveyID := createSurvey(t, db, model.Survey{
		Title: "short-lived",
		Questions: []model.Question{
			integerQuestion("n", 2),
			choiceQuestion("pick", -1, "a", "b"),
		},
	})
	got, err := Get(ctx, db, surveyID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	submitAnswer(t, db, surveyID, got.Questions[0].ID, 7)

	err = inTx(t, db, func(tx *sql.Tx) error {
		return Delete(ctx, tx, surveyID)
	})
	if err != nil {
		t.Fatalf("delete survey: %v", err)
	}

	_, err = Get(ctx, db, surveyID, testEmail)
	var notFound SurveyDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v after delete, want SurveyDoesNotExistError", err)
	}

	for _, table := range []string{"question", "question_choice", "submission", "answer"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s still has %d rows after delete", table, n)
		}
	}

	err = inTx(t, db, func(tx *sql.Tx) error {
		return Delete(ctx, tx, surveyID)
	})
	if !errors.As(err, &notFound) {
		t.Fatalf("second delete got %v, want SurveyDoesNotExistError", err)
	}
}

func TestSupersededTitleMarker(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	oldID := createSurvey(t, db, model.Survey{
		Title:     "evolving",
		Questions: []model.Question{textQuestion("q", -1)},
	})

	newID := updateSurvey(t, db, model.Survey{
		ID:        int(oldID),
		Title:     "evolving",
		Questions: []model.Question{textQuestion("q", -1)},
	})
	if newID == oldID {
		t.Fatal("update did not create a new survey row")
	}

	old, err := Get(ctx, db, oldID, testEmail)
	if err != nil {
		t.Fatalf("old version vanished: %v", err)
	}
	if !strings.HasPrefix(old.Title, "evolving (new version created on ") {
		t.Errorf("old title = %q", old.Title)
	}

	current, err := Get(ctx, db, newID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	if current.Title != "evolving" {
		t.Errorf("new title = %q, want the original back", current.Title)
	}
	if current.Version != 2 {
		t.Errorf("new version = %d, want 2", current.Version)
	}
}
