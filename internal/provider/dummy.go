package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Dummy stands in for a real delivery provider. It simulates latency and
// occasional transient failures so the retry path gets exercised in
// development.
type Dummy struct {
	FailurePercent int
	Latency        time.Duration
}

func NewDummy() *Dummy {
	return &Dummy{FailurePercent: 3, Latency: 50 * time.Millisecond}
}

func (d *Dummy) Send(ctx context.Context, to, body string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Intn(100) < d.FailurePercent {
		return errors.New("provider_temporary_error")
	}
	return nil
}
