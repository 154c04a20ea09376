package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass is the behavioral classification of a broker error. It decides
// retry policy, not blame: transient errors are retried with backoff,
// permanent errors fail fast, everything else keeps being monitored.
type ErrorClass int

const (
	// ErrorClassAmbiguous means keep monitoring; do not abort, but count the
	// failure for circuit-breaker purposes.
	ErrorClassAmbiguous ErrorClass = iota
	// ErrorClassTransient means retry with exponential backoff.
	ErrorClassTransient
	// ErrorClassPermanent means fail immediately, no retry.
	ErrorClassPermanent
)

// String returns a log-friendly class name.
func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassPermanent:
		return "permanent"
	default:
		return "ambiguous"
	}
}

// The indicator lists below are matched by lower-cased substring. Brokers
// phrase the same condition differently, so the lists are centralized here
// and covered by unit tests; extend them when a new payload is recorded.

var permanentIndicators = []string{
	"invalid order id",
	"order not found",
	"already canceled",
	"already cancelled",
	"unauthorized",
	"forbidden",
	"invalid parameter",
	"insufficient qty",
	"account is restricted",
}

var transientIndicators = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"503",
	"504",
	"temporar",
	"unavailable",
	"server error",
	"internal error",
}

var rateLimitIndicators = []string{
	"rate limit",
	"too many requests",
	"429",
}

// alreadyFilledIndicators identify the cancel-race condition: a cancel was
// rejected because the order filled between the last status poll and the
// cancel attempt. Code 42210000 is the broker's numeric form of the same.
var alreadyFilledIndicators = []string{
	"already in filled state",
	"cannot cancel filled order",
	"order already filled",
	"already been filled",
	"is filled",
	"42210000",
}

// Classify maps an error onto its behavioral class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassAmbiguous
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range permanentIndicators {
		if strings.Contains(msg, ind) {
			return ErrorClassPermanent
		}
	}
	for _, ind := range transientIndicators {
		if strings.Contains(msg, ind) {
			return ErrorClassTransient
		}
	}
	return ErrorClassAmbiguous
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// IsPermanent reports whether the error is hopeless and must fail fast.
func IsPermanent(err error) bool {
	return Classify(err) == ErrorClassPermanent
}

// IsRateLimited reports whether the error carries a rate-limit signal, which
// earns extra backoff delay on top of the transient schedule.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range rateLimitIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// IsAlreadyFilled reports whether a cancel rejection actually means the
// order filled first (the cancel-race). Callers must re-fetch the order and
// re-run fill verification when this returns true.
func IsAlreadyFilled(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range alreadyFilledIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}
