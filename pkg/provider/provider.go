// Package provider abstracts the chat completion backends. Adapters carry
// their model and token budget; callers supply only the conversation and a
// deadline on the context.
package provider

import (
	"context"
	"errors"

	"github.com/tallybot/tallybot/pkg/domain"
)

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role domain.Role
	Text string
}

// Request is the input to a completion call.
type Request struct {
	System   string
	Messages []Message
}

// Completer produces one assistant reply for a conversation. Implementations
// must honor ctx cancellation; every returned error is a *Failure.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Reason classifies why a completion failed.
type Reason string

const (
	ReasonRateLimited     Reason = "rate_limited"
	ReasonTimeout         Reason = "timeout"
	ReasonCanceled        Reason = "canceled"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonAPI             Reason = "api_error"
	ReasonNetwork         Reason = "network"
)

// Failure is the typed error for completion calls. The conversation state is
// unchanged when one is returned; callers log it, count it and move on.
type Failure struct {
	Provider string
	Reason   Reason
	Err      error
}

func (f *Failure) Error() string {
	msg := f.Provider + " completion failed (" + string(f.Reason) + ")"
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(provider string, reason Reason, err error) *Failure {
	return &Failure{Provider: provider, Reason: reason, Err: err}
}

// ReasonOf extracts the failure classification, or ReasonAPI for errors that
// did not come from a Completer.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonAPI
}

// classifyContext maps context errors shared by every backend.
func classifyContext(provider string, err error) (*Failure, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fail(provider, ReasonTimeout, err), true
	case errors.Is(err, context.Canceled):
		return fail(provider, ReasonCanceled, err), true
	}
	return nil, false
}
