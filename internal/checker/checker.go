package checker

import (
	"context"

	"bytemomo/warden/internal/domain"
)

// RunFunc is the signature implemented by builtin checkers.
type RunFunc func(ctx context.Context, target domain.Target) ([]domain.Finding, error)

// Func adapts a plain function into a domain.Checker.
type Func struct {
	ID          string
	Cats        []string
	Description string
	Fn          RunFunc
}

var _ domain.Checker = Func{}

func (f Func) Name() string         { return f.ID }
func (f Func) Categories() []string { return f.Cats }

func (f Func) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	return f.Fn(ctx, target)
}

// Describe returns the description of c when it provides one.
func Describe(c domain.Checker) string {
	if d, ok := c.(interface{ Describe() string }); ok {
		return d.Describe()
	}
	if f, ok := c.(Func); ok {
		return f.Description
	}
	return ""
}
