package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

var ErrNoFix = errors.New("no position fix yet")

// Sample is one device position.
type Sample struct {
	Pos       models.Coord `json:"coordinates"`
	At        time.Time    `json:"at"`
	AccuracyM float64      `json:"accuracyMeters,omitempty"`
}

// Source yields the current device position.
type Source interface {
	Current(ctx context.Context) (Sample, error)
}

// PushSource holds the latest fix pushed by the device.
type PushSource struct {
	mu     sync.RWMutex
	latest *Sample
}

func NewPushSource() *PushSource { return &PushSource{} }

func (p *PushSource) Push(s Sample) error {
	if err := geo.Validate(s.Pos); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = &s
	return nil
}

func (p *PushSource) Current(ctx context.Context) (Sample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return Sample{}, ErrNoFix
	}
	return *p.latest, nil
}
