package domain

// ConstraintRule is a CEL constraint on one profile field. The
// expression must evaluate to true for a valid value.
type ConstraintRule struct {
	ID         string `json:"id" yaml:"id"`
	Field      string `json:"field" yaml:"field"`
	Expression string `json:"expression" yaml:"expression"`

	// Message is shown when the constraint fails; "{value}" is replaced
	// with the offending value.
	Message string `json:"message" yaml:"message"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Violation is a failed constraint.
type Violation struct {
	RuleID  string `json:"ruleId"`
	Field   string `json:"field"`
	Message string `json:"message"`
}
