package domain

import dErrors "dtesync/pkg/domain-errors"

// Environment selects the authority environment a document is submitted to.
// Invariant: the value is one of the authority's environment codes.
type Environment string

const (
	EnvironmentTest       Environment = "00"
	EnvironmentProduction Environment = "01"
)

// ParseEnvironment accepts the authority codes and the aliases "test" and "production".
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "00", "test":
		return EnvironmentTest, nil
	case "01", "production", "prod":
		return EnvironmentProduction, nil
	case "":
		return "", dErrors.New(dErrors.CodeInvalidInput, "environment cannot be empty")
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid environment")
	}
}

// IsValid checks the value against the supported codes.
func (e Environment) IsValid() bool {
	return e == EnvironmentTest || e == EnvironmentProduction
}

func (e Environment) String() string {
	return string(e)
}
