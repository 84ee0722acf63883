// Package codegen produces random short codes that no current link uses.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
)

// Alphabet is the set generated codes are drawn from
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	// DefaultLength is the generated code length when none is configured
	DefaultLength = 6
	// DefaultMaxAttempts caps collision retries when none is configured
	DefaultMaxAttempts = 10
)

// ErrCapacityExhausted means every attempt collided with an existing code.
// Either the keyspace is close to full or the code length is too short.
var ErrCapacityExhausted = errors.New("short code space exhausted")

// ExistsFunc reports whether a short code is already taken
type ExistsFunc func(ctx context.Context, shortCode string) (bool, error)

// Prefilter cheaply rules out candidates. A true answer skips the candidate
// without consulting the store.
type Prefilter interface {
	MayExist(shortCode string) bool
}

// Generator draws codes until one is free or the attempt budget runs out
type Generator struct {
	length      int
	maxAttempts int
	exists      ExistsFunc
	prefilter   Prefilter
	intn        func(n int) int
}

// Option configures a Generator
type Option func(*Generator)

// WithLength sets the generated code length
func WithLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.length = n
		}
	}
}

// WithMaxAttempts caps how many candidates are tried per Generate call
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithPrefilter skips candidates the filter says may already exist
func WithPrefilter(p Prefilter) Option {
	return func(g *Generator) {
		g.prefilter = p
	}
}

// WithRand replaces the random source, for deterministic tests
func WithRand(intn func(n int) int) Option {
	return func(g *Generator) {
		g.intn = intn
	}
}

// New returns a generator that checks candidates with exists
func New(exists ExistsFunc, opts ...Option) *Generator {
	g := &Generator{
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
		exists:      exists,
		intn:        rand.Intn,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts is the candidate budget of one Generate call
func (g *Generator) MaxAttempts() int {
	return g.maxAttempts
}

// Generate returns a code no existing link uses at the time of the check.
// The store's unique index still arbitrates concurrent inserts.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	code, _, err := g.GenerateWithin(ctx, g.maxAttempts)
	return code, err
}

// GenerateWithin is Generate drawing at most budget candidates. It reports
// how many were drawn so a caller retrying insert conflicts can charge
// them all to one budget.
func (g *Generator) GenerateWithin(ctx context.Context, budget int) (string, int, error) {
	used := 0
	for used < budget {
		if err := ctx.Err(); err != nil {
			return "", used, err
		}

		code := g.candidate()
		used++
		if g.prefilter != nil && g.prefilter.MayExist(code) {
			continue
		}

		taken, err := g.exists(ctx, code)
		if err != nil {
			return "", used, fmt.Errorf("failed to check short code: %w", err)
		}
		if !taken {
			return code, used, nil
		}
	}
	return "", used, fmt.Errorf("%w: no free %d-character code after %d attempts", ErrCapacityExhausted, g.length, used)
}

func (g *Generator) candidate() string {
	b := make([]byte, g.length)
	for i := range b {
		b[i] = Alphabet[g.intn(len(Alphabet))]
	}
	return string(b)
}

var customCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

var reservedCodes = map[string]struct{}{
	"api":     {},
	"health":  {},
	"metrics": {},
}

// ValidateCustom checks a caller-supplied code. It does not check existence.
func ValidateCustom(code string) error {
	if !customCodePattern.MatchString(code) {
		return fmt.Errorf("short code must be 1-50 characters of letters, digits, '-' or '_'")
	}
	if _, ok := reservedCodes[code]; ok {
		return fmt.Errorf("short code %q is reserved", code)
	}
	return nil
}
