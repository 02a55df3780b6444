package survey

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/fieldworks/survey-server/model"
)

// reconcileChoices pre-processes the incoming choice list of a question to
// decide which entries are brand-new and which carry the identity of an
// existing choice. It returns the final ordered choice texts plus a map
// from new choice text to the id of the old choice whose answers should be
// carried forward.
//
// Choices have no durable identity across survey versions except through
// operator intent: an explicit {old_choice, new_choice} rename, or a bare
// entry whose text matches an existing choice (a rename to itself).
func reconcileChoices(ctx context.Context, tx *sql.Tx, existingQuestionID int64, choices []model.Choice) ([]string, map[string]int64, error) {
	oldChoices := map[string]int64{}
	if existingQuestionID != 0 {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, choice FROM question_choice
			WHERE question_id = ?`,
			existingQuestionID,
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load existing choices")
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   int64
				text string
			)
			if err := rows.Scan(&id, &text); err != nil {
				return nil, nil, errors.Wrap(err, "scan existing choice")
			}
			oldChoices[text] = id
		}
		if err := rows.Err(); err != nil {
			return nil, nil, errors.Wrap(err, "read existing choices")
		}
	}

	newChoices := make([]string, 0, len(choices))
	updates := map[string]int64{}
	renamedFrom := map[string]bool{}

	for _, entry := range choices {
		if entry.IsRename {
			oldID, ok := oldChoices[entry.OldChoice]
			if !ok {
				return nil, nil, QuestionChoiceDoesNotExistError{Choice: entry.OldChoice}
			}
			// no choice may be renamed from twice
			if renamedFrom[entry.OldChoice] {
				return nil, nil, RepeatedChoiceError{Choice: entry.OldChoice}
			}
			renamedFrom[entry.OldChoice] = true
			newChoices = append(newChoices, entry.Text)
			updates[entry.Text] = oldID
			continue
		}

		newChoices = append(newChoices, entry.Text)
		if oldID, ok := oldChoices[entry.Text]; ok {
			// implicit rename to itself: answers carry forward
			updates[entry.Text] = oldID
		}
	}

	seen := map[string]bool{}
	for _, text := range newChoices {
		if seen[text] {
			return nil, nil, RepeatedChoiceError{Choice: text}
		}
		seen[text] = true
	}
	return newChoices, updates, nil
}
