package responder

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrResponseGeneration wraps every provider failure.
	ErrResponseGeneration = errors.New("responder: response generation failed")

	// ErrTimeout means the provider did not answer in time.
	ErrTimeout = errors.New("responder: provider timeout")

	// ErrProvider means the provider answered with an error.
	ErrProvider = errors.New("responder: provider error")

	// ErrNext tells the generator to try the next strategy.
	ErrNext = errors.New("responder: next strategy")
)

// classify wraps err as ErrResponseGeneration plus ErrTimeout or ErrProvider.
func classify(provider string, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProvider) {
		return fmt.Errorf("%w: %s: %w", ErrResponseGeneration, provider, err)
	}
	kind := ErrProvider
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return fmt.Errorf("%w: %s: %w: %v", ErrResponseGeneration, provider, kind, err)
}
