package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newRequestTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:request_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Department{}, &models.Technician{}, &models.SupportGroup{},
		&models.Template{}, &models.TemplateField{},
		&models.ApprovalLevel{}, &models.ApprovalLevelApprover{},
		&models.Request{}, &models.ApprovalRecord{}, &models.RequestHistory{},
		&models.SLADefinition{}, &models.BusinessCalendar{}, &models.CalendarWindow{}, &models.Holiday{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newRequestService(db *gorm.DB, notifier Notifier, clock Clock) *RequestService {
	logger := quietLogger()
	resolver := NewResolverService(db, logger)
	approval := NewApprovalService(db, logger, resolver, notifier, nil, clock)
	assignment := NewAssignmentService(db, logger)
	return NewRequestService(db, logger, approval, assignment, notifier, nil, clock)
}

// seedWeekdayCalendar persists a Mon-Fri 09:00-18:00 UTC calendar.
func seedWeekdayCalendar(t *testing.T, db *gorm.DB) {
	t.Helper()
	cfg := weekdayCalendar()
	if err := db.Create(cfg).Error; err != nil {
		t.Fatalf("failed to create calendar: %v", err)
	}
}

func TestRequestService_CreateRequest_FullFlow(t *testing.T) {
	db := newRequestTestDB(t)
	notifier := &stubNotifier{}
	// Friday 2024-06-07 16:00 UTC
	clock := fixedClock{t: time.Date(2024, 6, 7, 16, 0, 0, 0, time.UTC)}
	svc := newRequestService(db, notifier, clock)

	seedWeekdayCalendar(t, db)
	sla := &models.SLADefinition{Name: "standard", ResolutionHours: 8, OperationalHoursOnly: true, Active: true}
	db.Create(sla)

	manager := &models.User{Username: "boss", Email: "boss@example.com", Name: "Boss"}
	db.Create(manager)
	requester := &models.User{Username: "emp", Email: "emp@example.com", Name: "Employee", ReportingTo: &manager.ID}
	db.Create(requester)
	tech := seedTechnician(t, db, "tech", true)

	template := &models.Template{
		Name: "Laptop Request",
		Type: "service",
		ApprovalLevels: []models.ApprovalLevel{
			{Level: 1, DisplayName: "Manager", MatchPolicy: "all", Approvers: []models.ApprovalLevelApprover{
				{RefType: models.ApproverRefReportingTo},
			}},
		},
	}
	db.Create(template)

	request, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     "New laptop",
		FormData:    map[string]interface{}{"model": "x1"},
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if request.Status != models.RequestStatusForApproval {
		t.Errorf("expected for_approval, got %s", request.Status)
	}
	if request.DisplayID == "" {
		t.Error("expected generated display id")
	}
	if request.AssignedTechID == nil || *request.AssignedTechID != tech.ID {
		t.Errorf("expected assigned technician %d, got %v", tech.ID, request.AssignedTechID)
	}

	// Friday 16:00 + 8 operational hours over Mon-Fri 09:00-18:00 -> Monday 15:00
	wantDue := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	if request.SLADueDate == nil || !request.SLADueDate.Equal(wantDue) {
		t.Errorf("expected due %s, got %v", wantDue, request.SLADueDate)
	}

	// form data carries original answers plus engine metadata
	var form map[string]interface{}
	if err := json.Unmarshal([]byte(request.FormData), &form); err != nil {
		t.Fatalf("failed to decode form data: %v", err)
	}
	if form["model"] != "x1" {
		t.Errorf("expected form answer preserved, got %v", form["model"])
	}
	if form["sla_due_date"] != wantDue.Format(time.RFC3339) {
		t.Errorf("expected sla_due_date metadata, got %v", form["sla_due_date"])
	}

	// level 1 resolved to the manager and is pending
	var record models.ApprovalRecord
	if err := db.Where("request_id = ?", request.ID).First(&record).Error; err != nil {
		t.Fatalf("failed to load approval record: %v", err)
	}
	if record.ApproverID != manager.ID || record.Status != models.ApprovalStatusPending {
		t.Errorf("unexpected approval record: %+v", record)
	}

	if got := notifier.count(NotifyRequestCreated); got != 1 {
		t.Errorf("expected 1 created notification, got %d", got)
	}
	if got := notifier.count(NotifyApprovalRequired); got != 1 {
		t.Errorf("expected 1 approval notification, got %d", got)
	}
	if got := notifier.count(NotifyTechnicianAssigned); got != 1 {
		t.Errorf("expected 1 assignment notification, got %d", got)
	}
}

func TestRequestService_CreateRequest_IncidentBypass(t *testing.T) {
	db := newRequestTestDB(t)
	notifier := &stubNotifier{}
	svc := newRequestService(db, notifier, SystemClock)

	approver := &models.User{Username: "boss", Email: "boss@example.com", Name: "Boss"}
	db.Create(approver)
	requester := &models.User{Username: "emp", Email: "emp@example.com", Name: "Employee"}
	db.Create(requester)

	template := &models.Template{
		Name: "Outage",
		Type: "incident",
		ApprovalLevels: []models.ApprovalLevel{
			{Level: 1, MatchPolicy: "all", Approvers: []models.ApprovalLevelApprover{
				{RefType: models.ApproverRefUser, UserID: &approver.ID},
			}},
		},
	}
	db.Create(template)

	request, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     "Mail is down",
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if request.Status != models.RequestStatusOpen {
		t.Errorf("expected incident to open immediately, got %s", request.Status)
	}

	var records []models.ApprovalRecord
	db.Where("request_id = ?", request.ID).Find(&records)
	if len(records) != 1 {
		t.Fatalf("expected 1 auto-approved record, got %d", len(records))
	}
	if records[0].Status != models.ApprovalStatusApproved || !records[0].AutoApproval {
		t.Errorf("expected auto-approval, got %+v", records[0])
	}

	// nobody is asked to approve an incident
	if got := notifier.count(NotifyApprovalRequired); got != 0 {
		t.Errorf("expected no approval notifications, got %d", got)
	}
}

func TestRequestService_CreateRequest_TemplateNotFound(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	requester := &models.User{Username: "emp", Email: "emp@example.com"}
	db.Create(requester)

	_, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  9999,
		RequesterID: requester.ID,
		Subject:     "x",
	})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}

	var count int64
	db.Model(&models.Request{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no requests written, got %d", count)
	}
}

func TestRequestService_CreateRequest_RequesterNotFound(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	template := &models.Template{Name: "t"}
	db.Create(template)

	_, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: 9999,
		Subject:     "x",
	})
	if !errors.Is(err, ErrRequesterNotFound) {
		t.Fatalf("expected ErrRequesterNotFound, got %v", err)
	}
}

func TestRequestService_CreateRequest_SkipsUnresolvableApprovers(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	// requester with neither manager nor department
	requester := &models.User{Username: "orphan", Email: "orphan@example.com"}
	db.Create(requester)

	template := &models.Template{
		Name: "Unmanned",
		Type: "service",
		ApprovalLevels: []models.ApprovalLevel{
			{Level: 1, MatchPolicy: "all", Approvers: []models.ApprovalLevelApprover{
				{RefType: models.ApproverRefReportingTo},
				{RefType: models.ApproverRefDepartmentHead},
			}},
		},
	}
	db.Create(template)

	request, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     "x",
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	// the whole chain collapsed: request opens immediately
	if request.Status != models.RequestStatusOpen {
		t.Errorf("expected open, got %s", request.Status)
	}
}

func TestRequestService_CreateRequest_ProceedsUnassigned(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	requester := &models.User{Username: "emp", Email: "emp@example.com"}
	db.Create(requester)
	template := &models.Template{Name: "t", Type: "service"}
	db.Create(template)

	// no technicians anywhere
	request, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     "x",
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if request.AssignedTechID != nil {
		t.Errorf("expected unassigned request, got tech %d", *request.AssignedTechID)
	}
}

func TestRequestService_PriorityFromForm(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	requester := &models.User{Username: "emp", Email: "emp@example.com"}
	db.Create(requester)
	template := &models.Template{
		Name: "t", Type: "service",
		Fields: []models.TemplateField{
			{Name: "urgency", FieldType: "priority"},
		},
	}
	db.Create(template)

	request, err := svc.CreateRequest(context.Background(), &RequestCreateRequest{
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     "x",
		FormData:    map[string]interface{}{"urgency": "high"},
	})
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if request.Priority != "high" {
		t.Errorf("expected priority high, got %s", request.Priority)
	}
}

func TestRequestService_ListRequests(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	for i := 0; i < 5; i++ {
		status := models.RequestStatusOpen
		if i%2 == 1 {
			status = models.RequestStatusResolved
		}
		db.Create(&models.Request{DisplayID: "list-" + string(rune('a'+i)), Subject: "x", Status: status})
	}

	requests, total, err := svc.ListRequests(context.Background(), &RequestListRequest{
		Page: 1, PageSize: 2, Status: []string{models.RequestStatusOpen},
	})
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 open requests, got %d", total)
	}
	if len(requests) != 2 {
		t.Errorf("expected page of 2, got %d", len(requests))
	}
}

func TestRequestService_UpdateStatus(t *testing.T) {
	db := newRequestTestDB(t)
	svc := newRequestService(db, &stubNotifier{}, SystemClock)

	request := &models.Request{DisplayID: "st-1", Subject: "x", Status: models.RequestStatusOpen}
	db.Create(request)

	updated, err := svc.UpdateStatus(context.Background(), request.ID, models.RequestStatusOnHold, "tech", "waiting for parts")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated.Status != models.RequestStatusOnHold {
		t.Errorf("expected on_hold, got %s", updated.Status)
	}

	// closed is not reachable from on_hold
	if _, err := svc.UpdateStatus(context.Background(), request.ID, models.RequestStatusClosed, "tech", ""); err == nil {
		t.Fatal("expected invalid transition error")
	}

	// for_approval -> open is reserved for the approval chain
	waiting := &models.Request{DisplayID: "st-2", Subject: "x", Status: models.RequestStatusForApproval}
	db.Create(waiting)
	if _, err := svc.UpdateStatus(context.Background(), waiting.ID, models.RequestStatusOpen, "tech", ""); err == nil {
		t.Fatal("expected for_approval -> open to be rejected")
	}

	var history []models.RequestHistory
	db.Where("request_id = ?", request.ID).Find(&history)
	if len(history) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(history))
	}
}
