// Package auth carries the calling owner's identity on a context.Context.
// Every engine operation reads the caller from here rather than taking it as
// a parameter.
package auth

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

type contextKey string

const (
	callerKey contextKey = "caller"
)

// ErrNoCaller is returned when the context carries no caller identity.
var ErrNoCaller = errors.New("no caller in context")

// WithCaller attaches the caller identity to the context.
func WithCaller(ctx context.Context, o owner.Owner) context.Context {
	return context.WithValue(ctx, callerKey, o)
}

// AsCaller parses raw and attaches it to the context.
func AsCaller(ctx context.Context, raw string) (context.Context, error) {
	o, err := owner.Parse(raw)
	if err != nil {
		return ctx, err
	}
	return WithCaller(ctx, o), nil
}

// CallerFrom retrieves the caller identity from the context.
func CallerFrom(ctx context.Context) (owner.Owner, error) {
	o, ok := ctx.Value(callerKey).(owner.Owner)
	if !ok || o == "" {
		return "", ErrNoCaller
	}
	return o, nil
}

// MustCaller panics if the caller is missing (use only when the caller set it).
func MustCaller(ctx context.Context) owner.Owner {
	o, err := CallerFrom(ctx)
	if err != nil {
		panic(err)
	}
	return o
}
