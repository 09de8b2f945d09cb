package transaction

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const (
	// PrefixLength is the number of random alphanumeric characters in an ID
	PrefixLength = 18

	// TimestampLayout is DDMMYYYYHHMMSS in Go reference-time notation
	TimestampLayout = "02012006150405"

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrInvalidID is returned when a name does not follow the transaction naming rules
var ErrInvalidID = errors.New("transaction id must be 18 alphanumeric characters followed by a DDMMYYYYHHMMSS timestamp")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9]{18}\d{14}$`)

// Validate reports whether name is a well-formed transaction ID.
// The trailing 14 digits must be a real calendar date-time, so
// "31022024120000" (Feb 31) is rejected even though it matches the pattern,
// and so is year 0000.
func Validate(name string) bool {
	if !idPattern.MatchString(name) {
		return false
	}

	t, err := time.Parse(TimestampLayout, name[PrefixLength:])
	if err != nil || t.Year() < 1 {
		return false
	}

	return true
}

// Check is Validate with an error for callers that propagate failures
func Check(name string) error {
	if !Validate(name) {
		return fmt.Errorf("%w: %q", ErrInvalidID, name)
	}
	return nil
}

// Generate creates a new transaction ID stamped with the current local time
func Generate() (string, error) {
	return GenerateAt(time.Now())
}

// GenerateAt creates a transaction ID stamped with t.
// Uniqueness is probabilistic: 62^18 prefixes per second of timestamp.
func GenerateAt(t time.Time) (string, error) {
	prefix := make([]byte, PrefixLength)
	limit := big.NewInt(int64(len(alphabet)))

	for i := range prefix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate transaction id: %w", err)
		}
		prefix[i] = alphabet[n.Int64()]
	}

	id := string(prefix) + t.Format(TimestampLayout)
	if !Validate(id) {
		return "", fmt.Errorf("%w: generated %q", ErrInvalidID, id)
	}

	return id, nil
}

// Timestamp returns the creation time encoded in a valid ID
func Timestamp(id string) (time.Time, error) {
	if !Validate(id) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return time.Parse(TimestampLayout, id[PrefixLength:])
}
