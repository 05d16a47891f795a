package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newEscalationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:escalation_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.SLADefinition{}, &models.EscalationLevel{},
		&models.EscalationFire{}, &models.Request{}, &models.RequestHistory{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// seedEscalationRequest creates an SLA with the given levels and a request due
// at the given instant.
func seedEscalationRequest(t *testing.T, db *gorm.DB, due time.Time, levels []models.EscalationLevel) *models.Request {
	t.Helper()

	sla := &models.SLADefinition{Name: "standard", ResolutionHours: 8, Active: true}
	if err := db.Create(sla).Error; err != nil {
		t.Fatalf("failed to create sla: %v", err)
	}
	for i := range levels {
		levels[i].SLAID = sla.ID
		if err := db.Create(&levels[i]).Error; err != nil {
			t.Fatalf("failed to create escalation level: %v", err)
		}
	}

	request := &models.Request{
		DisplayID:  "esc-" + t.Name(),
		Subject:    "slow request",
		Status:     models.RequestStatusOpen,
		SLAID:      &sla.ID,
		SLADueDate: &due,
	}
	if err := db.Create(request).Error; err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return request
}

func TestEscalationService_TriggerAt(t *testing.T) {
	svc := NewEscalationService(newEscalationTestDB(t), quietLogger(), &stubNotifier{}, nil, SystemClock)
	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		level models.EscalationLevel
		want  time.Time
	}{
		{"before 30m", models.EscalationLevel{Timing: models.EscalationTimingBefore, OffsetMinutes: 30}, due.Add(-30 * time.Minute)},
		{"after 2h", models.EscalationLevel{Timing: models.EscalationTimingAfter, OffsetHours: 2}, due.Add(2 * time.Hour)},
		{"after 1d", models.EscalationLevel{Timing: models.EscalationTimingAfter, OffsetDays: 1}, due.Add(24 * time.Hour)},
		{"after combined", models.EscalationLevel{Timing: models.EscalationTimingAfter, OffsetDays: 1, OffsetHours: 2, OffsetMinutes: 30}, due.Add(26*time.Hour + 30*time.Minute)},
		{"zero offset", models.EscalationLevel{Timing: models.EscalationTimingAfter}, due},
	}
	for _, tc := range cases {
		if got := svc.TriggerAt(due, &tc.level); !got.Equal(tc.want) {
			t.Errorf("%s: TriggerAt = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestEscalationService_DueEscalations(t *testing.T) {
	db := newEscalationTestDB(t)
	svc := NewEscalationService(db, quietLogger(), &stubNotifier{}, nil, SystemClock)

	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	request := seedEscalationRequest(t, db, due, []models.EscalationLevel{
		{Level: 1, Timing: models.EscalationTimingBefore, OffsetHours: 1, Enabled: true},
		{Level: 2, Timing: models.EscalationTimingAfter, OffsetHours: 1, Enabled: true},
		{Level: 3, Timing: models.EscalationTimingAfter, OffsetHours: 4, Enabled: true},
		{Level: 4, Timing: models.EscalationTimingAfter, OffsetHours: 8, Enabled: false}, // disabled
	})

	// at due+2h: levels 1 and 2 are due, 3 not yet, 4 disabled
	got, err := svc.DueEscalations(context.Background(), request, due.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DueEscalations failed: %v", err)
	}
	if len(got) != 2 || got[0].Level != 1 || got[1].Level != 2 {
		t.Fatalf("expected levels [1 2], got %+v", got)
	}
}

func TestEscalationService_DueEscalations_NoSLA(t *testing.T) {
	db := newEscalationTestDB(t)
	svc := NewEscalationService(db, quietLogger(), &stubNotifier{}, nil, SystemClock)

	request := &models.Request{DisplayID: "no-sla", Subject: "x", Status: models.RequestStatusOpen}
	db.Create(request)

	got, err := svc.DueEscalations(context.Background(), request, time.Now())
	if err != nil {
		t.Fatalf("DueEscalations failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for request without SLA, got %+v", got)
	}
}

func TestEscalationService_FireDue_Idempotent(t *testing.T) {
	db := newEscalationTestDB(t)
	notifier := &stubNotifier{}
	svc := NewEscalationService(db, quietLogger(), notifier, nil, SystemClock)

	recipient := &models.User{Username: "mgr", Email: "mgr@example.com", Name: "Manager"}
	db.Create(recipient)

	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	request := seedEscalationRequest(t, db, due, []models.EscalationLevel{
		{Level: 1, Timing: models.EscalationTimingAfter, OffsetMinutes: 30, Enabled: true, RecipientIDs: fmt.Sprintf("%d", recipient.ID)},
	})

	now := due.Add(time.Hour)
	fired, err := svc.FireDue(context.Background(), request, now)
	if err != nil {
		t.Fatalf("FireDue failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fired, got %d", fired)
	}

	// second sweep at the same instant must not re-fire
	fired, err = svc.FireDue(context.Background(), request, now)
	if err != nil {
		t.Fatalf("FireDue failed: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected 0 on re-fire, got %d", fired)
	}
	if got := notifier.count(NotifyEscalationFired); got != 1 {
		t.Errorf("expected exactly 1 escalation notification, got %d", got)
	}

	var fire models.EscalationFire
	if err := db.Where("request_id = ? AND level = 1", request.ID).First(&fire).Error; err != nil {
		t.Fatalf("failed to load fire record: %v", err)
	}
	if !fire.Notified {
		t.Error("expected fire record marked notified")
	}
}

func TestEscalationService_FireDue_ConcurrentSweeps(t *testing.T) {
	db := newEscalationTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	notifier := &stubNotifier{}
	svc := NewEscalationService(db, quietLogger(), notifier, nil, SystemClock)

	recipient := &models.User{Username: "mgr", Email: "mgr@example.com"}
	db.Create(recipient)

	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	request := seedEscalationRequest(t, db, due, []models.EscalationLevel{
		{Level: 1, Timing: models.EscalationTimingAfter, OffsetMinutes: 30, Enabled: true, RecipientIDs: fmt.Sprintf("%d", recipient.ID)},
	})

	// two sweeps race over the same due level; only one may claim it
	now := due.Add(time.Hour)
	fired := make([]int, 2)
	var wg sync.WaitGroup
	for i := range fired {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := svc.FireDue(context.Background(), request, now)
			if err != nil {
				t.Errorf("FireDue failed: %v", err)
			}
			fired[i] = n
		}(i)
	}
	wg.Wait()

	if total := fired[0] + fired[1]; total != 1 {
		t.Fatalf("expected exactly 1 fire across sweeps, got %d", total)
	}
	if got := notifier.count(NotifyEscalationFired); got != 1 {
		t.Errorf("expected exactly 1 escalation notification, got %d", got)
	}
	var count int64
	db.Model(&models.EscalationFire{}).Where("request_id = ? AND level = 1", request.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single fire record, got %d", count)
	}
}

func TestEscalationService_FireDue_IndependentLevels(t *testing.T) {
	db := newEscalationTestDB(t)
	notifier := &stubNotifier{}
	svc := NewEscalationService(db, quietLogger(), notifier, nil, SystemClock)

	recipient := &models.User{Username: "mgr", Email: "mgr@example.com"}
	db.Create(recipient)

	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	request := seedEscalationRequest(t, db, due, []models.EscalationLevel{
		{Level: 1, Timing: models.EscalationTimingAfter, OffsetHours: 1, Enabled: true, RecipientIDs: fmt.Sprintf("%d", recipient.ID)},
		{Level: 2, Timing: models.EscalationTimingAfter, OffsetHours: 2, Enabled: true, RecipientIDs: fmt.Sprintf("%d", recipient.ID)},
	})

	// a sweep that only runs once both levels are overdue fires both in one
	// pass; level 2 never waited on level 1
	fired, err := svc.FireDue(context.Background(), request, due.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FireDue failed: %v", err)
	}
	if fired != 2 {
		t.Fatalf("expected both levels fired, got %d", fired)
	}
	if got := notifier.count(NotifyEscalationFired); got != 2 {
		t.Errorf("expected 2 escalation notifications, got %d", got)
	}
}

func TestEscalationService_FireDue_MissingRecipient(t *testing.T) {
	db := newEscalationTestDB(t)
	notifier := &stubNotifier{}
	svc := NewEscalationService(db, quietLogger(), notifier, nil, SystemClock)

	due := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	request := seedEscalationRequest(t, db, due, []models.EscalationLevel{
		{Level: 1, Timing: models.EscalationTimingAfter, OffsetMinutes: 5, Enabled: true, RecipientIDs: "9999"},
	})

	// the claim still counts as fired even when no recipient can be notified
	fired, err := svc.FireDue(context.Background(), request, due.Add(time.Hour))
	if err != nil {
		t.Fatalf("FireDue failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fired, got %d", fired)
	}

	var fire models.EscalationFire
	if err := db.Where("request_id = ? AND level = 1", request.ID).First(&fire).Error; err != nil {
		t.Fatalf("failed to load fire record: %v", err)
	}
	if fire.Notified {
		t.Error("expected fire record not marked notified")
	}
}

func TestParseRecipientIDs(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"1,2,3", 3},
		{" 4 , 5 ", 2},
		{"", 0},
		{"abc,7", 1},
		{",,", 0},
	}
	for _, tc := range cases {
		if got := parseRecipientIDs(tc.raw); len(got) != tc.want {
			t.Errorf("parseRecipientIDs(%q) = %v, want %d ids", tc.raw, got, tc.want)
		}
	}
}
