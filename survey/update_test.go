package survey

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// numberedSurvey is one integer question followed by a terminal text
// question, the smallest shape the migration tests need.
func numberedSurvey(title string) model.Survey {
	return model.Survey{
		Title: title,
		Questions: []model.Question{
			integerQuestion("how many", 2),
			textQuestion("notes", -1),
		},
	}
}

func TestUpdateCarriesAnswersForward(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	oldID := createSurvey(t, db, numberedSurvey("crop count"))
	old, err := Get(ctx, db, oldID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	submitAnswer(t, db, oldID, old.Questions[0].ID, 5)

	update := numberedSurvey("crop count")
	update.ID = int(oldID)
	update.Questions[0].ID = old.Questions[0].ID
	update.Questions[1].ID = old.Questions[1].ID
	newID := updateSurvey(t, db, update)

	current, err := Get(ctx, db, newID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	newQuestionID := int64(current.Questions[0].ID)

	res, err := Aggregate(ctx, db, newQuestionID, "count", Identity{Email: testEmail})
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != int64(1) {
		t.Errorf("count after migration = %v, want 1", res.Result)
	}
	res, err = Aggregate(ctx, db, newQuestionID, "min", Identity{Email: testEmail})
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != int64(5) {
		t.Errorf("migrated answer = %v, want 5", res.Result)
	}

	// the prior version keeps its own data untouched
	res, err = Aggregate(ctx, db, int64(old.Questions[0].ID), "count", Identity{Email: testEmail})
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != int64(1) {
		t.Errorf("old version count = %v, want 1", res.Result)
	}
}

func TestUpdateDropsAnswersWhenTypeChanges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	oldID := createSurvey(t, db, numberedSurvey("mutating"))
	old, err := Get(ctx, db, oldID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	submitAnswer(t, db, oldID, old.Questions[0].ID, 5)

	update := model.Survey{
		ID:    int(oldID),
		Title: "mutating",
		Questions: []model.Question{
			{
				ID:                       old.Questions[0].ID,
				Title:                    "how many",
				TypeConstraint:           "text",
				Logic:                    logic(false, false),
				QuestionToSequenceNumber: 2,
			},
			textQuestion("notes", -1),
		},
	}
	newID := updateSurvey(t, db, update)

	current, err := Get(ctx, db, newID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Aggregate(ctx, db, int64(current.Questions[0].ID), "count", Identity{Email: testEmail})
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != int64(0) {
		t.Errorf("count after type change = %v, want 0", res.Result)
	}

	// submissions are still copied forward even though the answer was dropped
	subs, err := GetSubmissions(ctx, db, newID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Errorf("got %d copied submissions, want 1", len(subs))
	}
}

func TestUpdateChoiceRenameCarriesAnswers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	oldID := createSurvey(t, db, model.Survey{
		Title: "renamed choices",
		Questions: []model.Question{
			choiceQuestion("pick", 2, "1", "2", "3"),
			textQuestion("notes", -1),
		},
	})
	old, err := Get(ctx, db, oldID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	mc := old.Questions[0]
	// answer with the choice "2"
	submitAnswer(t, db, oldID, mc.ID, mc.Choices[1].ID)

	update := model.Survey{
		ID:    int(oldID),
		Title: "renamed choices",
		Questions: []model.Question{
			{
				ID:             mc.ID,
				Title:          "pick",
				TypeConstraint: "multiple_choice",
				Logic:          logic(false, false),
				Choices: []model.Choice{
					{OldChoice: "2", Text: "b", IsRename: true},
					{Text: "a"},
					{Text: "1"},
				},
				QuestionToSequenceNumber: 2,
			},
			textQuestion("notes", -1),
		},
	}
	newID := updateSurvey(t, db, update)

	current, err := Get(ctx, db, newID, testEmail)
	if err != nil {
		t.Fatal(err)
	}
	newMC := current.Questions[0]
	if len(newMC.Choices) != 3 {
		t.Fatalf("got %d choices, want 3", len(newMC.Choices))
	}
	for i, want := range []string{"b", "a", "1"} {
		if newMC.Choices[i].Text != want {
			t.Errorf("choice %d = %q, want %q", i, newMC.Choices[i].Text, want)
		}
	}

	// the old answer to "2" now counts against "b"
	res, err := Aggregate(ctx, db, int64(newMC.ID), "mode", Identity{Email: testEmail})
	if err != nil {
		t.Fatal(err)
	}
	mode, ok := res.Result.([]any)
	if !ok || len(mode) != 1 || mode[0] != "b" {
		t.Errorf("mode after rename = %v, want [b]", res.Result)
	}
}

func TestUpdateRenameOfMissingChoice(t *testing.T) {
	db := newTestDB(t)

	oldID := createSurvey(t, db, model.Survey{
		Title: "strict renames",
		Questions: []model.Question{
			choiceQuestion("pick", -1, "a", "b"),
		},
	})
	old, err := Get(context.Background(), db, oldID, testEmail)
	if err != nil {
		t.Fatal(err)
	}

	update := model.Survey{
		ID:    int(oldID),
		Title: "strict renames",
		Email: testEmail,
		Questions: []model.Question{
			{
				ID:             old.Questions[0].ID,
				Title:          "pick",
				TypeConstraint: "multiple_choice",
				Logic:          logic(false, false),
				Choices: []model.Choice{
					{OldChoice: "z", Text: "zz", IsRename: true},
				},
				QuestionToSequenceNumber: -1,
			},
		},
	}
	err = inTx(t, db, func(tx *sql.Tx) error {
		_, err := Update(context.Background(), tx, update)
		return err
	})
	var missing QuestionChoiceDoesNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want QuestionChoiceDoesNotExistError", err)
	}
}

func TestUpdateRenameSameChoiceTwice(t *testing.T) {
	db := newTestDB(t)

	oldID := createSurvey(t, db, model.Survey{
		Title: "double rename",
		Questions: []model.Question{
			choiceQuestion("pick", -1, "a", "b"),
		},
	})
	old, err := Get(context.Background(), db, oldID, testEmail)
	if err != nil {
		t.Fatal(err)
	}

	update := model.Survey{
		ID:    int(oldID),
		Title: "double rename",
		Email: testEmail,
		Questions: []model.Question{
			{
				ID:             old.Questions[0].ID,
				Title:          "pick",
				TypeConstraint: "multiple_choice",
				Logic:          logic(false, false),
				Choices: []model.Choice{
					{OldChoice: "a", Text: "x", IsRename: true},
					{OldChoice: "a", Text: "y", IsRename: true},
				},
				QuestionToSequenceNumber: -1,
			},
		},
	}
	err = inTx(t, db, func(tx *sql.Tx) error {
		_, err := Update(context.Background(), tx, update)
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

func TestUpdateForeignSurvey(t *testing.T) {
	db := newTestDB(t)

	oldID := createSurvey(t, db, numberedSurvey("mine"))

	update := numberedSurvey("mine")
	update.ID = int(oldID)
	update.Email = otherEmail
	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := Update(context.Background(), tx, update)
		return err
	})
	var notFound SurveyDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want SurveyDoesNotExistError", err)
	}
}

func TestUpdateVersionChain(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := createSurvey(t, db, numberedSurvey("long-lived"))
	for want := 2; want <= 4; want++ {
		update := numberedSurvey("long-lived")
		update.ID = int(id)
		id = updateSurvey(t, db, update)

		current, err := Get(ctx, db, id, testEmail)
		if err != nil {
			t.Fatal(err)
		}
		if current.Version != want {
			t.Fatalf("version = %d, want %d", current.Version, want)
		}
	}
}
