package models

// Condition is a boolean predicate over the working data. Exactly one of the
// comparison fields or combinators is expected to be set.
type Condition struct {
	Variable string `json:"variable,omitempty"`

	StringEquals  *string  `json:"string_equals,omitempty"`
	NumericEquals *float64 `json:"numeric_equals,omitempty"`
	BooleanEquals *bool    `json:"boolean_equals,omitempty"`
	IsPresent     *bool    `json:"is_present,omitempty"`

	And []Condition `json:"and,omitempty"`
	Or  []Condition `json:"or,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

func StringEquals(variable, value string) Condition {
	return Condition{Variable: variable, StringEquals: &value}
}

func NumericEquals(variable string, value float64) Condition {
	return Condition{Variable: variable, NumericEquals: &value}
}

func BooleanEquals(variable string, value bool) Condition {
	return Condition{Variable: variable, BooleanEquals: &value}
}

func IsPresent(variable string) Condition {
	present := true

	return Condition{Variable: variable, IsPresent: &present}
}

func IsAbsent(variable string) Condition {
	present := false

	return Condition{Variable: variable, IsPresent: &present}
}

func And(conditions ...Condition) Condition {
	return Condition{And: conditions}
}

func Or(conditions ...Condition) Condition {
	return Condition{Or: conditions}
}

func Not(condition Condition) Condition {
	return Condition{Not: &condition}
}
