package escrow

import (
	"time"

	"github.com/digivault/escrowd/internal/fees"
)

// ComputeVerificationDeadline returns transferTime plus the verification
// period, in UTC. The period must be a positive number of hours.
func ComputeVerificationDeadline(transferTime time.Time, verificationPeriodHours int) (time.Time, error) {
	if verificationPeriodHours <= 0 {
		return time.Time{}, &fees.ConfigurationError{Field: "verificationPeriodHours", Reason: "must be positive"}
	}
	return transferTime.UTC().Add(time.Duration(verificationPeriodHours) * time.Hour), nil
}

// IsExpired reports whether deadline has passed. A nil deadline never expires.
func IsExpired(deadline *time.Time) bool {
	return IsExpiredAt(deadline, time.Now())
}

// IsExpiredAt is IsExpired evaluated at now.
func IsExpiredAt(deadline *time.Time, now time.Time) bool {
	if deadline == nil {
		return false
	}
	return now.After(*deadline)
}
