package queue

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
)

// Lookup addresses items either by primary key or through the status index.
// It is implemented by PrimaryKeyLookup and IndexLookup only.
type Lookup interface {
	lookup()
}

// PrimaryKeyLookup finds the single item stored under Email.
type PrimaryKeyLookup struct {
	Email string
}

// IndexLookup queries the status index: every item in the Status partition
// whose offboarding_date satisfies Comparison against OffboardingDate.
type IndexLookup struct {
	Status          Status
	OffboardingDate string
	Comparison      Comparison
}

func (PrimaryKeyLookup) lookup() {}
func (IndexLookup) lookup()      {}

// Comparison is the relation applied to the index sort key. The zero value
// means Equal.
type Comparison string

// Supported sort key relations.
const (
	Equal            Comparison = "="
	LessThan         Comparison = "<"
	LessThanEqual    Comparison = "<="
	GreaterThan      Comparison = ">"
	GreaterThanEqual Comparison = ">="
	BeginsWith       Comparison = "begins_with"
)

// ParseComparison converts s into a Comparison. An empty string is Equal.
func ParseComparison(s string) (Comparison, error) {
	c := Comparison(s)
	switch c {
	case "":
		return Equal, nil
	case Equal, LessThan, LessThanEqual, GreaterThan, GreaterThanEqual, BeginsWith:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidComparison, s)
}

// keyCondition builds the key condition for l.
func (l IndexLookup) keyCondition() (expression.KeyConditionBuilder, error) {
	if !l.Status.Valid() {
		return expression.KeyConditionBuilder{}, fmt.Errorf("%w: %w: %q", ErrInvalidLookup, ErrInvalidStatus, l.Status)
	}

	pk := expression.Key(StatusAttr).Equal(expression.Value(string(l.Status)))
	sk := expression.Key(OffboardingDateAttr)
	v := expression.Value(l.OffboardingDate)

	var cond expression.KeyConditionBuilder
	switch l.Comparison {
	case "", Equal:
		cond = sk.Equal(v)
	case LessThan:
		cond = sk.LessThan(v)
	case LessThanEqual:
		cond = sk.LessThanEqual(v)
	case GreaterThan:
		cond = sk.GreaterThan(v)
	case GreaterThanEqual:
		cond = sk.GreaterThanEqual(v)
	case BeginsWith:
		cond = sk.BeginsWith(l.OffboardingDate)
	default:
		return expression.KeyConditionBuilder{}, fmt.Errorf("%w: %q", ErrInvalidComparison, l.Comparison)
	}

	return pk.And(cond), nil
}
