package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Survey struct {
	ID        int        `json:"survey_id,omitempty"`
	Title     string     `json:"survey_title"`
	Version   int        `json:"survey_version,omitempty"`
	Metadata  any        `json:"survey_metadata,omitempty"`
	Email     string     `json:"email,omitempty"`
	CreatedOn time.Time  `json:"created_on,omitempty"`
	Questions []Question `json:"questions"`
}

type Question struct {
	ID             int      `json:"question_id,omitempty"`
	Title          string   `json:"question_title"`
	Hint           string   `json:"hint,omitempty"`
	TypeConstraint string   `json:"type_constraint_name"`
	SequenceNumber int      `json:"sequence_number,omitempty"`
	AllowMultiple  bool     `json:"allow_multiple"`
	Logic          Logic    `json:"logic"`
	Choices        []Choice `json:"choices,omitempty"`
	Branches       []Branch `json:"branches,omitempty"`
	// -1 marks a terminal question
	QuestionToSequenceNumber int `json:"question_to_sequence_number"`
}

// Logic is the free-form per-question logic map. The keys "required" and
// "with_other" must always be present; type-specific keys like "min"/"max"
// ride along untouched.
type Logic map[string]any

func (l Logic) Required() bool {
	b, _ := l["required"].(bool)
	return b
}

func (l Logic) WithOther() bool {
	b, _ := l["with_other"].(bool)
	return b
}

// HasMinimalKeys tells whether the logic map carries the mandatory keys.
func (l Logic) HasMinimalKeys() bool {
	if l == nil {
		return false
	}
	_, hasRequired := l["required"]
	_, hasOther := l["with_other"]
	return hasRequired && hasOther
}

// Choice is one entry of a question's choice list. On the wire it is either
// a bare string (new choice) or {"old_choice": ..., "new_choice": ...}
// (explicit rename of an existing choice).
type Choice struct {
	ID           int    `json:"question_choice_id,omitempty"`
	Text         string `json:"choice"`
	ChoiceNumber int    `json:"choice_number"`
	OldChoice    string `json:"-"`
	IsRename     bool   `json:"-"`
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = Choice{Text: text}
		return nil
	}

	var rename struct {
		OldChoice *string `json:"old_choice"`
		NewChoice *string `json:"new_choice"`
	}
	if err := json.Unmarshal(data, &rename); err != nil {
		return err
	}
	if rename.OldChoice == nil || rename.NewChoice == nil {
		return fmt.Errorf("choice entry must be a string or an {old_choice, new_choice} object")
	}
	*c = Choice{Text: *rename.NewChoice, OldChoice: *rename.OldChoice, IsRename: true}
	return nil
}

type Branch struct {
	ChoiceNumber     int `json:"choice_number"`
	ToQuestionNumber int `json:"to_question_number"`
}

type Submission struct {
	ID        int        `json:"submission_id,omitempty"`
	SurveyID  int        `json:"survey_id"`
	Submitter string     `json:"submitter"`
	Time      time.Time  `json:"submission_time,omitempty"`
	Metadata  any        `json:"submission_metadata,omitempty"`
	Answers   []Answer   `json:"answers,omitempty"`
	Responses []Response `json:"responses,omitempty"`
}

type Answer struct {
	ID         int  `json:"answer_id,omitempty"`
	QuestionID int  `json:"question_id"`
	Answer     any  `json:"answer"`
	IsOther    bool `json:"is_other"`
	IsDontKnow bool `json:"is_dont_know,omitempty"`
}

// Response is the normalized view over answer/other/dont_know.
type Response struct {
	QuestionID   int    `json:"question_id"`
	ResponseType string `json:"response_type"`
	Response     any    `json:"response"`
}
