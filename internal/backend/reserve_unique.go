package backend

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/nixcache/nixcache/internal/logging"
)

const (
	maxReserveAttempts = 5
	suffixAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength       = 4
)

// reserveUnique retries reserve with a random 4-char alphanumeric suffix on
// AlreadyExists, up to maxReserveAttempts times, matching spec.md §4.B and
// testable property 2: only AlreadyExists is retried; any other error
// aborts immediately.
func reserveUnique(ctx context.Context, log logging.Identity, key, version string, reserve func(ctx context.Context, key, version string) (*FileAllocation, error)) (*FileAllocation, string, error) {
	candidate := key
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		alloc, err := reserve(ctx, candidate, version)
		if err == nil {
			return alloc, candidate, nil
		}
		if !IsAlreadyExists(err) {
			return nil, "", err
		}
		logging.Debugf(log, "reserve_unique: key %q already exists, retrying with suffix", candidate)
		suffix, suffixErr := randomSuffix()
		if suffixErr != nil {
			return nil, "", suffixErr
		}
		candidate = key + "-" + suffix
	}
	return nil, "", &ErrTooManyCollisions{Key: key}
}

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(suffixAlphabet))))
		if err != nil {
			return "", &ErrIO{Context: "generating reservation suffix", Cause: err}
		}
		buf[i] = suffixAlphabet[n.Int64()]
	}
	return string(buf), nil
}
