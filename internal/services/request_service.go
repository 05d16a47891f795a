package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Fatal precondition failures for request-mutating operations.
var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrRequesterNotFound = errors.New("requester not found")
)

// RequestService 请求编排：创建请求时组合 SLA 计算、审批链构建与技术员指派。
// 一次操作内的所有引擎写入在同一事务中完成；通知在提交后发送，失败不回滚。
type RequestService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	approval   *ApprovalService
	assignment *AssignmentService
	notifier   Notifier
	history    HistoryRecorder
	clock      Clock
}

// NewRequestService 创建请求编排服务
func NewRequestService(db *gorm.DB, logger *logrus.Logger, approval *ApprovalService, assignment *AssignmentService, notifier Notifier, history HistoryRecorder, clock Clock) *RequestService {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if history == nil {
		history = NewDBHistoryRecorder(db, logger)
	}
	if clock == nil {
		clock = SystemClock
	}
	return &RequestService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("ithelpdesk.request"),
		approval:   approval,
		assignment: assignment,
		notifier:   notifier,
		history:    history,
		clock:      clock,
	}
}

// RequestCreateRequest 创建请求
type RequestCreateRequest struct {
	TemplateID  uint                   `json:"template_id" binding:"required"`
	RequesterID uint                   `json:"requester_id" binding:"required"`
	Subject     string                 `json:"subject" binding:"required"`
	Description string                 `json:"description"`
	Priority    string                 `json:"priority"`
	FormData    map[string]interface{} `json:"form_data"`
	SLAID       *uint                  `json:"sla_id"`
}

// CreateRequest 创建请求并驱动整个引擎：SLA 快照、审批链、自动指派、历史。
//
// 模板或请求人缺失是致命前置条件失败，整个操作中止且不留下任何写入。
// incident 类型跳过交互式审批：所有级别直接记为自动通过，请求立即 open。
func (s *RequestService) CreateRequest(ctx context.Context, req *RequestCreateRequest) (*models.Request, error) {
	ctx, span := s.tracer.Start(ctx, "request.create")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("request.template_id", int64(req.TemplateID)),
		attribute.Int64("request.requester_id", int64(req.RequesterID)),
	)

	var template models.Template
	if err := s.db.WithContext(ctx).
		Preload("Fields").
		Preload("ApprovalLevels", func(db *gorm.DB) *gorm.DB { return db.Order("level") }).
		Preload("ApprovalLevels.Approvers", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("SupportGroups").
		First(&template, req.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	var requester models.User
	if err := s.db.WithContext(ctx).First(&requester, req.RequesterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequesterNotFound
		}
		return nil, fmt.Errorf("failed to load requester: %w", err)
	}

	now := s.clock.Now()
	isIncident := template.Type == "incident"

	sla, err := s.selectSLA(ctx, req.SLAID)
	if err != nil {
		return nil, err
	}
	var dueDate *time.Time
	if sla != nil {
		due, err := s.computeDueDate(ctx, sla, now)
		if err != nil {
			return nil, err
		}
		dueDate = &due
	}

	// best-effort load balancing; counts are read without holding the creation lock
	tech, err := s.assignment.Assign(ctx, template.ID)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = priorityFromForm(&template, req.FormData)
	}
	if priority == "" {
		priority = "normal"
	}

	formData := make(map[string]interface{}, len(req.FormData)+3)
	for k, v := range req.FormData {
		formData[k] = v
	}
	if tech != nil {
		formData["assigned_technician"] = tech.UserID
	}
	if sla != nil {
		formData["sla_id"] = sla.ID
	}
	if dueDate != nil {
		formData["sla_due_date"] = dueDate.Format(time.RFC3339)
	}
	encoded, err := json.Marshal(formData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode form data: %w", err)
	}

	request := &models.Request{
		DisplayID:   uuid.NewString(),
		TemplateID:  template.ID,
		RequesterID: requester.ID,
		Subject:     req.Subject,
		Description: req.Description,
		Priority:    priority,
		FormData:    string(encoded),
		SLADueDate:  dueDate,
		Status:      models.RequestStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sla != nil {
		request.SLAID = &sla.ID
	}
	if tech != nil {
		request.AssignedTechID = &tech.ID
	}

	var pending []models.ApprovalRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(request).Error; err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		var needsApproval bool
		pending, needsApproval, err = s.approval.CreateChain(ctx, tx, request, &template, &requester, isIncident)
		if err != nil {
			return err
		}
		if needsApproval {
			request.Status = models.RequestStatusForApproval
			if err := tx.Model(request).Update("status", request.Status).Error; err != nil {
				return fmt.Errorf("failed to set request status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.afterCreate(ctx, request, &requester, tech, pending, isIncident)
	s.logger.Infof("Created request %s: template=%d, status=%s, due=%v",
		request.DisplayID, template.ID, request.Status, request.SLADueDate)
	return request, nil
}

// afterCreate 提交后的历史与通知，失败只记日志
func (s *RequestService) afterCreate(ctx context.Context, request *models.Request, requester *models.User, tech *models.Technician, pending []models.ApprovalRecord, isIncident bool) {
	if err := s.history.Record(ctx, request.ID, "request_created", requester.Name, "user", request.Subject); err != nil {
		s.logger.Errorf("Failed to record history: %v", err)
	}
	if isIncident {
		if err := s.history.Record(ctx, request.ID, "auto_approved", "system", "system", "incident fast-path"); err != nil {
			s.logger.Errorf("Failed to record history: %v", err)
		}
	}

	ref := NotificationRef{RequestID: request.ID, DisplayID: request.DisplayID, Subject: request.Subject}
	if err := s.notifier.Notify(ctx, NotifyRequestCreated, requester.Email, ref); err != nil {
		s.logger.Errorf("Failed to notify requester: %v", err)
	}
	for _, record := range pending {
		recordRef := ref
		recordRef.Level = record.Level
		if err := s.notifier.Notify(ctx, NotifyApprovalRequired, record.ApproverEmail, recordRef); err != nil {
			s.logger.Errorf("Failed to notify approver %s: %v", record.ApproverEmail, err)
		}
	}
	if tech != nil {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, tech.UserID).Error; err == nil {
			if err := s.notifier.Notify(ctx, NotifyTechnicianAssigned, user.Email, ref); err != nil {
				s.logger.Errorf("Failed to notify technician: %v", err)
			}
		}
	}
}

// selectSLA 选择 SLA 定义：显式指定优先，否则取最早创建的启用定义；没有则不挂 SLA
func (s *RequestService) selectSLA(ctx context.Context, slaID *uint) (*models.SLADefinition, error) {
	var sla models.SLADefinition
	query := s.db.WithContext(ctx)
	if slaID != nil {
		if err := query.First(&sla, *slaID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("SLA definition %d not found", *slaID)
			}
			return nil, fmt.Errorf("failed to load SLA definition: %w", err)
		}
		return &sla, nil
	}
	if err := query.Where("active = ?", true).Order("id").First(&sla).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load SLA definition: %w", err)
	}
	return &sla, nil
}

// computeDueDate 根据 SLA 与营业日历计算截止时刻。
// 营业时间模式缺日历是配置错误，整个创建操作中止。
func (s *RequestService) computeDueDate(ctx context.Context, sla *models.SLADefinition, start time.Time) (time.Time, error) {
	var cal *Calendar
	if sla.OperationalHoursOnly {
		var cfg models.BusinessCalendar
		if err := s.db.WithContext(ctx).
			Preload("Windows").
			Preload("Holidays").
			Where("active = ?", true).
			Order("id").
			First(&cfg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return time.Time{}, fmt.Errorf("SLA %q requires operational hours but no active business calendar is configured", sla.Name)
			}
			return time.Time{}, fmt.Errorf("failed to load business calendar: %w", err)
		}
		var err error
		cal, err = NewCalendar(&cfg)
		if err != nil {
			return time.Time{}, err
		}
	}
	return CalculateDueDate(start, resolutionMinutes(sla), sla.OperationalHoursOnly, cal)
}

// priorityFromForm 从模板的 priority 类型字段中取优先级答案
func priorityFromForm(template *models.Template, formData map[string]interface{}) string {
	for _, field := range template.Fields {
		if field.FieldType != "priority" {
			continue
		}
		if v, ok := formData[field.Name].(string); ok {
			return v
		}
	}
	return ""
}

// RequestListRequest 请求列表查询
type RequestListRequest struct {
	Page           int      `form:"page,default=1"`
	PageSize       int      `form:"page_size,default=20"`
	Status         []string `form:"status"`
	TemplateID     *uint    `form:"template_id"`
	RequesterID    *uint    `form:"requester_id"`
	AssignedTechID *uint    `form:"assigned_tech_id"`
	SortBy         string   `form:"sort_by,default=created_at"`
	SortOrder      string   `form:"sort_order,default=desc"`
}

// ListRequests 分页查询请求
func (s *RequestService) ListRequests(ctx context.Context, req *RequestListRequest) ([]models.Request, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Request{})

	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if req.TemplateID != nil {
		query = query.Where("template_id = ?", *req.TemplateID)
	}
	if req.RequesterID != nil {
		query = query.Where("requester_id = ?", *req.RequesterID)
	}
	if req.AssignedTechID != nil {
		query = query.Where("assigned_tech_id = ?", *req.AssignedTechID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	sortField := req.SortBy
	if sortField == "" {
		sortField = "created_at"
	}
	sortOrder := req.SortOrder
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = "desc"
	}
	query = query.Order(fmt.Sprintf("%s %s", sortField, sortOrder))

	if req.PageSize > 0 {
		offset := (req.Page - 1) * req.PageSize
		query = query.Offset(offset).Limit(req.PageSize)
	}

	var requests []models.Request
	if err := query.Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	return requests, total, nil
}

// GetRequest 获取单个请求及其审批链和历史
func (s *RequestService) GetRequest(ctx context.Context, id uint) (*models.Request, error) {
	var request models.Request
	if err := s.db.WithContext(ctx).
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("level, id") }).
		Preload("History").
		Preload("Requester").
		First(&request, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request not found")
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &request, nil
}

// 请求生命周期的合法状态转移
var requestTransitions = map[string][]string{
	models.RequestStatusForApproval: {models.RequestStatusCancelled},
	models.RequestStatusOpen:        {models.RequestStatusOnHold, models.RequestStatusResolved, models.RequestStatusCancelled},
	models.RequestStatusOnHold:      {models.RequestStatusOpen, models.RequestStatusCancelled},
	models.RequestStatusResolved:    {models.RequestStatusClosed, models.RequestStatusOpen},
}

// UpdateStatus 更新请求状态；for_approval -> open 只能由审批链驱动
func (s *RequestService) UpdateStatus(ctx context.Context, id uint, status, actorName, reason string) (*models.Request, error) {
	var request models.Request
	if err := s.db.WithContext(ctx).First(&request, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request not found")
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	allowed := false
	for _, next := range requestTransitions[request.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("invalid status transition %q -> %q", request.Status, status)
	}

	request.Status = status
	request.UpdatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Save(&request).Error; err != nil {
		return nil, fmt.Errorf("failed to update request status: %w", err)
	}

	details := fmt.Sprintf("status changed to %s: %s", status, reason)
	if err := s.history.Record(ctx, request.ID, "status_changed", actorName, "user", details); err != nil {
		s.logger.Errorf("Failed to record history: %v", err)
	}
	return &request, nil
}
