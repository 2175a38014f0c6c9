// Package platform tracks the deployable platforms sold on the marketplace
// and the operational signals the release conditions are judged against:
// deployment state, health probes, buyer satisfaction confirmations, and
// rolling performance samples.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/launchbay/launchbay/internal/idgen"
)

var (
	ErrNotFound = errors.New("platform not found")
)

// Platform is a deployable product listed by a seller.
type Platform struct {
	ID            string     `json:"id"`
	SellerID      string     `json:"sellerId"`
	Name          string     `json:"name"`
	PayoutAccount string     `json:"payoutAccount"`
	Deployed      bool       `json:"deployed"`
	DeployedAt    *time.Time `json:"deployedAt,omitempty"`
	LastHealthAt  *time.Time `json:"lastHealthAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// PerfSample is one monitoring observation for a platform.
type PerfSample struct {
	PlatformID   string    `json:"platformId"`
	ResponseMs   float64   `json:"responseMs"`
	UptimePct    float64   `json:"uptimePct"`
	ErrorRatePct float64   `json:"errorRatePct"`
	At           time.Time `json:"at"`
}

// PerfStats aggregates samples over a window.
type PerfStats struct {
	Samples         int     `json:"samples"`
	AvgResponseMs   float64 `json:"avgResponseMs"`
	AvgUptimePct    float64 `json:"avgUptimePct"`
	AvgErrorRatePct float64 `json:"avgErrorRatePct"`
}

// Store persists platforms and their signals.
type Store interface {
	Create(ctx context.Context, p *Platform) error
	Get(ctx context.Context, id string) (*Platform, error)
	Update(ctx context.Context, p *Platform) error
	AddConfirmation(ctx context.Context, platformID, buyerID string) error
	HasConfirmation(ctx context.Context, platformID, buyerID string) (bool, error)
	AddSample(ctx context.Context, s *PerfSample) error
	ListSamples(ctx context.Context, platformID string, since time.Time) ([]*PerfSample, error)
}

// RegisterRequest contains the parameters for listing a platform.
type RegisterRequest struct {
	SellerID      string `json:"sellerId" binding:"required"`
	Name          string `json:"name" binding:"required"`
	PayoutAccount string `json:"payoutAccount" binding:"required"`
}

// Service implements platform registry logic.
type Service struct {
	store Store
}

// NewService creates a new platform service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register lists a new platform for a seller.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Platform, error) {
	now := time.Now()
	p := &Platform{
		ID:            idgen.WithPrefix("plt_"),
		SellerID:      strings.TrimSpace(req.SellerID),
		Name:          strings.TrimSpace(req.Name),
		PayoutAccount: strings.TrimSpace(req.PayoutAccount),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a platform by ID.
func (s *Service) Get(ctx context.Context, id string) (*Platform, error) {
	return s.store.Get(ctx, id)
}

// MarkDeployed records that the buyer's instance of the platform went live.
func (s *Service) MarkDeployed(ctx context.Context, id string) (*Platform, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.Deployed = true
	p.DeployedAt = &now
	p.LastHealthAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Heartbeat records a successful health probe.
func (s *Service) Heartbeat(ctx context.Context, id string) (*Platform, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.LastHealthAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmSatisfaction records a buyer's explicit satisfaction confirmation.
func (s *Service) ConfirmSatisfaction(ctx context.Context, platformID, buyerID string) error {
	if _, err := s.store.Get(ctx, platformID); err != nil {
		return err
	}
	return s.store.AddConfirmation(ctx, platformID, buyerID)
}

// Confirmed reports whether the buyer has confirmed satisfaction.
func (s *Service) Confirmed(ctx context.Context, platformID, buyerID string) (bool, error) {
	return s.store.HasConfirmation(ctx, platformID, buyerID)
}

// Deployment reports deploy state and the last health probe time. Shaped for
// the release-condition evaluator.
func (s *Service) Deployment(ctx context.Context, platformID string) (bool, *time.Time, error) {
	p, err := s.store.Get(ctx, platformID)
	if err != nil {
		return false, nil, err
	}
	return p.Deployed, p.LastHealthAt, nil
}

// Performance returns windowed averages of the monitoring samples since the
// given time. Shaped for the release-condition evaluator.
func (s *Service) Performance(ctx context.Context, platformID string, since time.Time) (float64, float64, float64, int, error) {
	stats, err := s.Stats(ctx, platformID, since)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return stats.AvgResponseMs, stats.AvgUptimePct, stats.AvgErrorRatePct, stats.Samples, nil
}

// RecordSample stores one monitoring observation.
func (s *Service) RecordSample(ctx context.Context, sample *PerfSample) error {
	if _, err := s.store.Get(ctx, sample.PlatformID); err != nil {
		return err
	}
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	return s.store.AddSample(ctx, sample)
}

// Stats aggregates performance samples since the given time.
func (s *Service) Stats(ctx context.Context, platformID string, since time.Time) (*PerfStats, error) {
	samples, err := s.store.ListSamples(ctx, platformID, since)
	if err != nil {
		return nil, err
	}

	stats := &PerfStats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats, nil
	}
	for _, sm := range samples {
		stats.AvgResponseMs += sm.ResponseMs
		stats.AvgUptimePct += sm.UptimePct
		stats.AvgErrorRatePct += sm.ErrorRatePct
	}
	n := float64(len(samples))
	stats.AvgResponseMs /= n
	stats.AvgUptimePct /= n
	stats.AvgErrorRatePct /= n
	return stats, nil
}
