// Package shortcode allocates the six character codes that identify pastes in URLs.
package shortcode

import (
	"codeshare/metrics"
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	Alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	Length      = 6
	MaxAttempts = 10
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// ExistsFunc reports whether a code is already stored, expired rows included.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

type Allocator struct {
	generate    func() (string, error)
	now         func() time.Time
	maxAttempts int
}

type Option func(*Allocator)

func WithGenerator(fn func() (string, error)) Option {
	return func(a *Allocator) {
		a.generate = fn
	}
}
func WithClock(fn func() time.Time) Option {
	return func(a *Allocator) {
		a.now = fn
	}
}

func New(opts ...Option) *Allocator {
	a := &Allocator{
		generate:    GenerateCandidate,
		now:         time.Now,
		maxAttempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateCandidate draws Length symbols uniformly from Alphabet.
func GenerateCandidate() (string, error) {
	buf := make([]byte, Length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// AllocateUnique returns the first candidate that exists reports as free.
// After MaxAttempts taken candidates it returns the timestamp fallback
// without checking it. An error from exists aborts the allocation.
func (a *Allocator) AllocateUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := a.generate()
		if err != nil {
			return "", err
		}
		metrics.AllocationProbes.Inc()
		taken, err := exists(ctx, code)
		if err != nil {
			return "", errors.Wrap(err, "short code exists check")
		}
		if !taken {
			return code, nil
		}
		metrics.AllocationCollisions.Inc()
	}
	metrics.AllocationFallbacks.Inc()
	return Fallback(a.now()), nil
}

// Fallback derives a code from the millisecond clock: the last Length
// base-36 digits, upper-cased.
func Fallback(t time.Time) string {
	s := strconv.FormatInt(t.UnixMilli(), 36)
	if len(s) > Length {
		s = s[len(s)-Length:]
	} else if len(s) < Length {
		s = strings.Repeat("0", Length-len(s)) + s
	}
	return strings.ToUpper(s)
}

func IsValidFormat(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
