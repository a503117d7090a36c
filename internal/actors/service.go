package actors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("actors: invalid identity")

const defaultTouchInterval = time.Minute

// ServiceConfig describes the dependencies required for actor resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// TouchInterval throttles last-seen writes per actor. Zero selects one minute.
	TouchInterval time.Duration
}

type touchMark struct {
	role        string
	displayName string
	at          time.Time
}

// Service maintains the actor directory from validated session claims.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	logger        *zap.Logger
	touchInterval time.Duration
	cache         sync.Map
}

// NewService constructs the actor directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("actors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.TouchInterval
	if interval <= 0 {
		interval = defaultTouchInterval
	}
	return &Service{
		db:            cfg.Database,
		now:           clock,
		logger:        logger,
		touchInterval: interval,
	}, nil
}

// Resolve converts session claims into an actor and records the sighting.
// Directory write failures are logged and never block the request.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (reconcile.Actor, error) {
	actor, err := claims.Actor()
	if err != nil {
		return reconcile.Actor{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	displayName := normalize(claims.UserDisplayName)
	now := s.now().UTC()

	if cached, ok := s.cache.Load(actor.ID); ok {
		mark, ok := cached.(touchMark)
		if ok && mark.role == string(actor.Role) && mark.displayName == displayName && now.Sub(mark.at) < s.touchInterval {
			return actor, nil
		}
	}

	profile := Profile{
		ID:          actor.ID,
		Role:        string(actor.Role),
		DisplayName: displayName,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "display_name", "last_seen_at"}),
	}).Create(&profile).Error
	if err != nil {
		s.logger.Warn("failed to record actor sighting", zap.String("actor_id", actor.ID), zap.Error(err))
		return actor, nil
	}
	s.cache.Store(actor.ID, touchMark{role: profile.Role, displayName: displayName, at: now})
	return actor, nil
}

// List returns the directory ordered by most recent activity.
func (s *Service) List(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).Order("last_seen_at DESC").Order("id ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("actors: list: %w", err)
	}
	return profiles, nil
}
