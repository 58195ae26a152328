package tier

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQuotaExhausted marks credit/quota exhaustion at the provider (HTTP 402).
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrTransient marks timeouts, overloads and other faults a different
	// candidate may not hit.
	ErrTransient = errors.New("transient provider fault")

	// ErrTerminal marks caller-side faults (bad request, auth). Other
	// candidates would fail the same way.
	ErrTerminal = errors.New("terminal request fault")

	// ErrTierExhausted is returned when every candidate failed with a quota
	// or transient fault.
	ErrTierExhausted = errors.New("tier exhausted")

	// ErrUnknownTier is returned for a tier name with no candidates configured.
	ErrUnknownTier = errors.New("unknown tier")
)

// Fault is the classification of a failed candidate attempt.
type Fault int

const (
	FaultNone Fault = iota
	FaultQuota
	FaultTransient
	FaultTerminal
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultQuota:
		return "quota"
	case FaultTransient:
		return "transient"
	case FaultTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify maps an operation error onto a fault class. Errors that carry
// none of the package sentinels are treated as transient: an unrecognised
// provider failure should not stop the cheaper alternates from being tried.
func Classify(err error) Fault {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrTerminal):
		return FaultTerminal
	case errors.Is(err, ErrQuotaExhausted):
		return FaultQuota
	default:
		return FaultTransient
	}
}

// Quota wraps err as a quota fault.
func Quota(err error) error { return wrap(ErrQuotaExhausted, err) }

// Transient wraps err as a transient fault.
func Transient(err error) error { return wrap(ErrTransient, err) }

// Terminal wraps err as a terminal fault.
func Terminal(err error) error { return wrap(ErrTerminal, err) }

func wrap(class, err error) error {
	if err == nil {
		return class
	}
	if errors.Is(err, class) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// ExhaustedError reports every failed attempt of an exhausted tier.
type ExhaustedError struct {
	Tier     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	models := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		models = append(models, a.Model+"="+a.Fault.String())
	}
	return fmt.Sprintf("tier %s exhausted after %d attempts [%s]",
		e.Tier, len(e.Attempts), strings.Join(models, ", "))
}

// Is reports ErrTierExhausted so callers can tell overload from a bad request.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrTierExhausted
}
