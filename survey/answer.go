package survey

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Response types recognized by the variant model. Exactly one of the three
// underlying fields of an answer row is ever non-null; this is enforced here
// at write time and double-checked by the only_one_answer_type constraint.
const (
	ResponseAnswer   = "answer"
	ResponseOther    = "other"
	ResponseDontKnow = "dont_know"
)

type locationPayload struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

type facilityPayload struct {
	Lng            float64 `json:"lng"`
	Lat            float64 `json:"lat"`
	FacilityID     string  `json:"facility_id"`
	FacilityName   string  `json:"facility_name"`
	FacilitySector string  `json:"facility_sector"`
}

// validatePayload coerces a submitted payload into the value persisted for
// the given type constraint. Choice references are handled by the caller,
// which must resolve them against the owning question's choices.
func validatePayload(tc TypeConstraint, payload any) (any, error) {
	switch tc {
	case TypeText, TypePhoto:
		s, ok := payload.(string)
		if !ok {
			return nil, AnswerTypeMismatchError{tc, fmt.Sprintf("expected a string, got %T", payload)}
		}
		return s, nil

	case TypeInteger:
		return coerceInteger(tc, payload)

	case TypeDecimal:
		switch v := payload.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, AnswerTypeMismatchError{tc, fmt.Sprintf("expected a number, got %T", payload)}

	case TypeDate:
		return coerceTemporal(tc, payload, "2006-01-02")

	case TypeTime:
		return coerceTemporal(tc, payload, "15:04:05", "15:04", "15:04:05Z07:00")

	case TypeTimestamp:
		return coerceTemporal(tc, payload, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05")

	case TypeLocation:
		loc, err := decodeAs[locationPayload](tc, payload)
		if err != nil {
			return nil, err
		}
		return marshalPayload(loc), nil

	case TypeFacility:
		fac, err := decodeAs[facilityPayload](tc, payload)
		if err != nil {
			return nil, err
		}
		if fac.FacilityID == "" || fac.FacilityName == "" || fac.FacilitySector == "" {
			return nil, AnswerTypeMismatchError{tc, "facility answers need facility_id, facility_name and facility_sector"}
		}
		return marshalPayload(fac), nil

	case TypeMultipleChoice:
		return coerceInteger(tc, payload)
	}
	return nil, NotAnAnswerTypeError{Name: string(tc)}
}

func coerceInteger(tc TypeConstraint, payload any) (int64, error) {
	switch v := payload.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, AnswerTypeMismatchError{tc, fmt.Sprintf("%v is not an integer", v)}
		}
		return int64(v), nil
	}
	return 0, AnswerTypeMismatchError{tc, fmt.Sprintf("expected an integer, got %T", payload)}
}

func coerceTemporal(tc TypeConstraint, payload any, layouts ...string) (string, error) {
	s, ok := payload.(string)
	if !ok {
		return "", AnswerTypeMismatchError{tc, fmt.Sprintf("expected an ISO string, got %T", payload)}
	}
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return s, nil
		}
	}
	return "", AnswerTypeMismatchError{tc, fmt.Sprintf("%q does not match the %s format", s, tc)}
}

// decodeAs round-trips a JSON-shaped map into a concrete payload struct.
func decodeAs[T any](tc TypeConstraint, payload any) (T, error) {
	var out T
	m, ok := payload.(map[string]any)
	if !ok {
		return out, AnswerTypeMismatchError{tc, fmt.Sprintf("expected an object, got %T", payload)}
	}
	if _, ok := m["lng"]; !ok {
		return out, AnswerTypeMismatchError{tc, "missing lng"}
	}
	if _, ok := m["lat"]; !ok {
		return out, AnswerTypeMismatchError{tc, "missing lat"}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return out, AnswerTypeMismatchError{tc, err.Error()}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, AnswerTypeMismatchError{tc, err.Error()}
	}
	return out, nil
}

func marshalPayload(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// responseValue turns a stored payload column value back into its external
// shape: location/facility JSON becomes a map, everything else passes
// through.
func responseValue(tc TypeConstraint, stored any) any {
	if tc != TypeLocation && tc != TypeFacility {
		return stored
	}
	var (
		s  string
		ok bool
	)
	if s, ok = stored.(string); !ok {
		if b, isBytes := stored.([]byte); isBytes {
			s = string(b)
		} else {
			return stored
		}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return stored
	}
	return m
}

// responseView abstracts over the three answer fields. Exactly one of value,
// other and dontKnow must be set.
func responseView(tc TypeConstraint, value any, other, dontKnow *string) (string, any) {
	switch {
	case other != nil:
		return ResponseOther, *other
	case dontKnow != nil:
		return ResponseDontKnow, *dontKnow
	default:
		return ResponseAnswer, responseValue(tc, value)
	}
}
