package cancelpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRentReturn(t *testing.T) {
	p := New()
	s := p.Rent(context.Background())
	assert.False(t, s.Triggered())
	s.Return()
}

func TestDoubleReturnPanics(t *testing.T) {
	p := New()
	s := p.Rent(context.Background())
	s.Return()
	assert.Panics(t, func() { s.Return() })
}

func TestReturningTriggeredSourcePanics(t *testing.T) {
	p := New()
	s := p.Rent(context.Background())
	s.Trigger()
	assert.Panics(t, func() { s.Return() })
}

func TestTriggerIsIdempotent(t *testing.T) {
	p := New()
	s := p.Rent(context.Background())
	s.Trigger()
	s.Trigger()
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("expected context to be cancelled")
	}
}

func TestDistinctSourcesHaveDistinctIDs(t *testing.T) {
	p := New()
	a := p.Rent(context.Background())
	b := p.Rent(context.Background())
	assert.NotEqual(t, a.ID(), b.ID())
}
