package actors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:actors_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate actor schema: %v", err)
	}
	return db
}

func TestResolveRecordsActorAndThrottlesTouches(t *testing.T) {
	db := openTestDatabase(t)
	current := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	claims := auth.SessionClaims{UserID: "mgr-1", UserRole: "Manager", UserDisplayName: " Dana "}
	actor, err := service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if actor.ID != "mgr-1" || actor.Role != reconcile.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}

	current = current.Add(10 * time.Second)
	if _, err := service.Resolve(context.Background(), claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	var profile Profile
	if err := db.Where("id = ?", "mgr-1").Take(&profile).Error; err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if !profile.LastSeenAt.Equal(current.Add(-10 * time.Second)) {
		t.Fatalf("expected throttled last seen, got %s", profile.LastSeenAt)
	}
	if profile.DisplayName != "Dana" {
		t.Fatalf("unexpected display name %q", profile.DisplayName)
	}

	current = current.Add(2 * time.Minute)
	if _, err := service.Resolve(context.Background(), claims); err != nil {
		t.Fatalf("third resolve failed: %v", err)
	}
	profiles, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected one profile, got %d", len(profiles))
	}
	if !profiles[0].LastSeenAt.Equal(current) {
		t.Fatalf("expected refreshed last seen, got %s", profiles[0].LastSeenAt)
	}
	if !profiles[0].FirstSeenAt.Equal(time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("first seen changed: %s", profiles[0].FirstSeenAt)
	}
}

func TestResolveRejectsAnonymousClaims(t *testing.T) {
	service, err := NewService(ServiceConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.Resolve(context.Background(), auth.SessionClaims{UserRole: "tech"}); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}
