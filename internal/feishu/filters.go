package feishu

// FilterCondition is one predicate over a bitable field.
type FilterCondition struct {
	FieldName string
	Operator  string
	Value     []string
}

// FilterInfo is a conjunction/disjunction of conditions passed to record
// search. Conjunction is "and" or "or".
type FilterInfo struct {
	Conjunction string
	Conditions  []FilterCondition
}

// NewCondition builds a single filter condition. Operators that take no
// operand (isEmpty, isNotEmpty) must still carry an explicit empty value
// slice or the API rejects the request.
func NewCondition(field, operator string, values ...string) FilterCondition {
	if values == nil {
		values = []string{}
	}
	return FilterCondition{
		FieldName: field,
		Operator:  operator,
		Value:     values,
	}
}

// NewFilterInfo combines conditions under the given conjunction.
func NewFilterInfo(conjunction string, conditions ...FilterCondition) *FilterInfo {
	if conjunction == "" {
		conjunction = "and"
	}
	return &FilterInfo{
		Conjunction: conjunction,
		Conditions:  conditions,
	}
}
