package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newResolverTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:resolver_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Department{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestResolverService_ReportingTo(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	manager := &models.User{Username: "boss", Email: "boss@example.com", Name: "Boss"}
	db.Create(manager)
	requester := &models.User{Username: "emp", Email: "emp@example.com", Name: "Employee", ReportingTo: &manager.ID}
	db.Create(requester)

	ref := &models.ApprovalLevelApprover{RefType: models.ApproverRefReportingTo}
	resolved, err := svc.Resolve(context.Background(), ref, requester)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.UserID != manager.ID || resolved.Email != "boss@example.com" {
		t.Errorf("unexpected resolution: %+v", resolved)
	}
}

func TestResolverService_ReportingTo_Skip(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	requester := &models.User{Username: "orphan", Email: "orphan@example.com", Name: "No Manager"}
	db.Create(requester)

	ref := &models.ApprovalLevelApprover{RefType: models.ApproverRefReportingTo}
	_, err := svc.Resolve(context.Background(), ref, requester)
	if !errors.Is(err, ErrSkipApprover) {
		t.Fatalf("expected ErrSkipApprover, got %v", err)
	}
}

func TestResolverService_DepartmentHead(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	head := &models.User{Username: "head", Email: "head@example.com", Name: "Head"}
	db.Create(head)
	dept := &models.Department{Name: "IT", HeadID: &head.ID}
	db.Create(dept)
	requester := &models.User{Username: "emp", Email: "emp@example.com", DepartmentID: &dept.ID}
	db.Create(requester)

	ref := &models.ApprovalLevelApprover{RefType: models.ApproverRefDepartmentHead}
	resolved, err := svc.Resolve(context.Background(), ref, requester)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.UserID != head.ID {
		t.Errorf("expected head %d, got %d", head.ID, resolved.UserID)
	}
}

func TestResolverService_DepartmentHead_Skip(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	dept := &models.Department{Name: "Facilities"} // no head configured
	db.Create(dept)
	requester := &models.User{Username: "emp", Email: "emp@example.com", DepartmentID: &dept.ID}
	db.Create(requester)

	ref := &models.ApprovalLevelApprover{RefType: models.ApproverRefDepartmentHead}
	_, err := svc.Resolve(context.Background(), ref, requester)
	if !errors.Is(err, ErrSkipApprover) {
		t.Fatalf("expected ErrSkipApprover, got %v", err)
	}
}

func TestResolverService_ExplicitUser_NotFound(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	requester := &models.User{Username: "emp", Email: "emp@example.com"}
	db.Create(requester)

	missing := uint(9999)
	ref := &models.ApprovalLevelApprover{RefType: models.ApproverRefUser, UserID: &missing}
	_, err := svc.Resolve(context.Background(), ref, requester)
	if !errors.Is(err, ErrSkipApprover) {
		t.Fatalf("expected ErrSkipApprover for missing user, got %v", err)
	}
}

func TestResolverService_ResolveLevel_SkipsAndDedupes(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	manager := &models.User{Username: "boss", Email: "boss@example.com", Name: "Boss"}
	db.Create(manager)
	requester := &models.User{Username: "emp", Email: "emp@example.com", ReportingTo: &manager.ID}
	db.Create(requester)

	// reporting_to and an explicit reference to the same manager, plus a
	// department_head that cannot resolve
	level := &models.ApprovalLevel{
		Level: 1,
		Approvers: []models.ApprovalLevelApprover{
			{RefType: models.ApproverRefReportingTo},
			{RefType: models.ApproverRefUser, UserID: &manager.ID},
			{RefType: models.ApproverRefDepartmentHead},
		},
	}
	resolved, err := svc.ResolveLevel(context.Background(), level, requester)
	if err != nil {
		t.Fatalf("ResolveLevel failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved approver after skip+dedupe, got %d", len(resolved))
	}
	if resolved[0].UserID != manager.ID {
		t.Errorf("expected manager %d, got %d", manager.ID, resolved[0].UserID)
	}
}

func TestResolverService_ResolveLevel_AllSkip(t *testing.T) {
	db := newResolverTestDB(t)
	svc := NewResolverService(db, quietLogger())

	requester := &models.User{Username: "emp", Email: "emp@example.com"}
	db.Create(requester)

	level := &models.ApprovalLevel{
		Level: 1,
		Approvers: []models.ApprovalLevelApprover{
			{RefType: models.ApproverRefReportingTo},
			{RefType: models.ApproverRefDepartmentHead},
		},
	}
	resolved, err := svc.ResolveLevel(context.Background(), level, requester)
	if err != nil {
		t.Fatalf("ResolveLevel failed: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("expected empty level, got %d approvers", len(resolved))
	}
}
