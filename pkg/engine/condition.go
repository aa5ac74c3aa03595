package engine

import (
	"encoding/json"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/template"
)

// Evaluate decides a condition against scope. And and Or short-circuit left to
// right; IsPresent never errors; a comparison on a missing field returns a
// ConditionEvaluationError.
func Evaluate(condition models.Condition, scope template.Scope) (bool, error) {
	switch {
	case len(condition.And) > 0:
		for _, sub := range condition.And {
			ok, err := Evaluate(sub, scope)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case len(condition.Or) > 0:
		for _, sub := range condition.Or {
			ok, err := Evaluate(sub, scope)
			if err != nil || ok {
				return ok, err
			}
		}

		return false, nil
	case condition.Not != nil:
		ok, err := Evaluate(*condition.Not, scope)

		return !ok && err == nil, err
	}

	if condition.Variable == "" {
		return false, &ConditionEvaluationError{Err: ErrEmptyCondition}
	}

	value, found, err := template.Lookup(condition.Variable, scope)
	if err != nil {
		return false, &ConditionEvaluationError{Variable: condition.Variable, Err: err}
	}

	if condition.IsPresent != nil {
		return found == *condition.IsPresent, nil
	}

	if !found {
		return false, &ConditionEvaluationError{Variable: condition.Variable, Err: ErrMissingField}
	}

	switch {
	case condition.StringEquals != nil:
		text, ok := value.(string)

		return ok && text == *condition.StringEquals, nil
	case condition.NumericEquals != nil:
		number, ok := toFloat(value)

		return ok && number == *condition.NumericEquals, nil
	case condition.BooleanEquals != nil:
		flag, ok := value.(bool)

		return ok && flag == *condition.BooleanEquals, nil
	default:
		return false, &ConditionEvaluationError{Variable: condition.Variable, Err: ErrEmptyCondition}
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case json.Number:
		number, err := typed.Float64()

		return number, err == nil
	default:
		return 0, false
	}
}
