package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Approval actions.
const (
	ActionApprove              = "approve"
	ActionReject               = "reject"
	ActionRequestClarification = "request_clarification"
)

// ErrNotActionable 对非可操作状态的审批记录执行动作
var ErrNotActionable = errors.New("approval record is not actionable")

// ApprovalService 审批工作流状态机。
//
// 记录状态流转：dormant -> pending_approval -> {approved, rejected, for_clarification}，
// 其中 for_clarification -> pending_approval 是唯一的回退（重新提交）。
// 同一请求上的级联激活通过 per-request 锁保证原子性。
type ApprovalService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	resolver *ResolverService
	notifier Notifier
	history  HistoryRecorder
	clock    Clock

	locks sync.Map // map[uint]*sync.Mutex, per request
}

// NewApprovalService 创建审批工作流服务
func NewApprovalService(db *gorm.DB, logger *logrus.Logger, resolver *ResolverService, notifier Notifier, history HistoryRecorder, clock Clock) *ApprovalService {
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
	return &ApprovalService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("ithelpdesk.approval"),
		resolver: resolver,
		notifier: notifier,
		history:  history,
		clock:    clock,
	}
}

func (s *ApprovalService) requestLock(requestID uint) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(requestID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateChain 在事务内为新请求构建审批链。
//
// 常规路径：第一个解析出审批人的级别立即激活（pending_approval + SentOn），
// 其余级别创建为 dormant。整级解析为空的级别不产生记录，视为立即完成。
// autoApprove（incident 快速通道）：所有级别直接写为 approved + AutoApproval。
// 返回激活的记录（调用方在提交后发送通知）和请求是否需要停留在审批状态。
func (s *ApprovalService) CreateChain(ctx context.Context, tx *gorm.DB, request *models.Request, template *models.Template, requester *models.User, autoApprove bool) ([]models.ApprovalRecord, bool, error) {
	ctx, span := s.tracer.Start(ctx, "approval.create_chain")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("approval.request_id", int64(request.ID)),
		attribute.Int("approval.levels", len(template.ApprovalLevels)),
		attribute.Bool("approval.auto", autoApprove),
	)

	now := s.clock.Now()
	var pending []models.ApprovalRecord
	activated := false

	for li := range template.ApprovalLevels {
		level := &template.ApprovalLevels[li]
		resolved, err := s.resolver.ResolveLevel(ctx, level, requester)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve level %d: %w", level.Level, err)
		}
		if len(resolved) == 0 {
			s.logger.Infof("Approval level %d of request %s resolved to no approvers, treated as complete", level.Level, request.DisplayID)
			continue
		}

		for _, approver := range resolved {
			record := models.ApprovalRecord{
				RequestID:     request.ID,
				Level:         level.Level,
				LevelName:     level.DisplayName,
				ApproverID:    approver.UserID,
				ApproverName:  approver.Name,
				ApproverEmail: approver.Email,
				Status:        models.ApprovalStatusDormant,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			switch {
			case autoApprove:
				sent := now
				acted := now
				record.Status = models.ApprovalStatusApproved
				record.AutoApproval = true
				record.SentOn = &sent
				record.ActedOn = &acted
			case !activated:
				sent := now
				record.Status = models.ApprovalStatusPending
				record.SentOn = &sent
			}
			if err := tx.Create(&record).Error; err != nil {
				return nil, false, fmt.Errorf("failed to create approval record: %w", err)
			}
			if record.Status == models.ApprovalStatusPending {
				pending = append(pending, record)
			}
		}
		if !autoApprove && !activated {
			activated = true
		}
	}

	return pending, activated, nil
}

// ApprovalActionRequest 审批动作请求
type ApprovalActionRequest struct {
	Action   string `json:"action" binding:"required"` // approve, reject, request_clarification
	ActorID  uint   `json:"actor_id" binding:"required"`
	Comments string `json:"comments"`
}

// ApplyAction 对单条审批记录执行动作并驱动级联激活。
//
// 记录必须处于 pending_approval 或 for_clarification，动作人必须是该记录的审批人。
// approve 补齐本级后激活下一级（onLevelComplete -> activateNext）；
// reject 终止整条审批链并取消请求；request_clarification 只改记录状态。
func (s *ApprovalService) ApplyAction(ctx context.Context, recordID uint, req *ApprovalActionRequest) (*models.ApprovalRecord, error) {
	ctx, span := s.tracer.Start(ctx, "approval.apply_action")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("approval.record_id", int64(recordID)),
		attribute.String("approval.action", req.Action),
	)

	var probe models.ApprovalRecord
	if err := s.db.WithContext(ctx).First(&probe, recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval record %d not found", recordID)
		}
		return nil, fmt.Errorf("failed to load approval record: %w", err)
	}

	lock := s.requestLock(probe.RequestID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	var record models.ApprovalRecord
	var activatedNext []models.ApprovalRecord
	requestOpened := false
	requestCancelled := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, recordID).Error; err != nil {
			return fmt.Errorf("failed to load approval record: %w", err)
		}
		if record.Status != models.ApprovalStatusPending && record.Status != models.ApprovalStatusForClarification {
			return fmt.Errorf("record %d has status %q: %w", record.ID, record.Status, ErrNotActionable)
		}
		if req.ActorID != record.ApproverID {
			return fmt.Errorf("user %d is not the approver of record %d: %w", req.ActorID, record.ID, ErrNotActionable)
		}

		var request models.Request
		if err := tx.First(&request, record.RequestID).Error; err != nil {
			return fmt.Errorf("failed to load request: %w", err)
		}

		record.ActedOn = &now
		record.Comments = req.Comments
		record.UpdatedAt = now

		switch req.Action {
		case ActionApprove:
			record.Status = models.ApprovalStatusApproved
			if err := tx.Save(&record).Error; err != nil {
				return fmt.Errorf("failed to save approval record: %w", err)
			}

			policy, err := s.matchPolicy(tx, &request, record.Level)
			if err != nil {
				return err
			}
			if policy == "first" {
				// 短路同级其余未决记录，包括等待澄清中的（记为自动通过，不再可操作）
				if err := tx.Model(&models.ApprovalRecord{}).
					Where("request_id = ? AND level = ? AND id <> ? AND status IN ?",
						request.ID, record.Level, record.ID,
						[]string{models.ApprovalStatusPending, models.ApprovalStatusForClarification}).
					Updates(map[string]interface{}{
						"status":        models.ApprovalStatusApproved,
						"auto_approval": true,
						"acted_on":      now,
						"updated_at":    now,
					}).Error; err != nil {
					return fmt.Errorf("failed to short-circuit level %d: %w", record.Level, err)
				}
			}

			complete, err := s.levelComplete(tx, request.ID, record.Level)
			if err != nil {
				return err
			}
			if complete {
				activatedNext, requestOpened, err = s.activateNext(tx, &request, record.Level, now)
				if err != nil {
					return err
				}
			}

		case ActionReject:
			record.Status = models.ApprovalStatusRejected
			if err := tx.Save(&record).Error; err != nil {
				return fmt.Errorf("failed to save approval record: %w", err)
			}
			// reject at any level terminates the whole chain
			if err := tx.Model(&models.Request{}).Where("id = ?", request.ID).
				Updates(map[string]interface{}{"status": models.RequestStatusCancelled, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("failed to cancel request: %w", err)
			}
			requestCancelled = true

		case ActionRequestClarification:
			record.Status = models.ApprovalStatusForClarification
			if err := tx.Save(&record).Error; err != nil {
				return fmt.Errorf("failed to save approval record: %w", err)
			}

		default:
			return fmt.Errorf("unknown approval action %q: %w", req.Action, ErrNotActionable)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.afterAction(ctx, &record, req, activatedNext, requestOpened, requestCancelled)
	return &record, nil
}

// afterAction 提交后的副作用：历史与通知，失败只记日志
func (s *ApprovalService) afterAction(ctx context.Context, record *models.ApprovalRecord, req *ApprovalActionRequest, activated []models.ApprovalRecord, opened, cancelled bool) {
	details := fmt.Sprintf("level %d (%s): %s", record.Level, record.LevelName, req.Action)
	if err := s.history.Record(ctx, record.RequestID, req.Action, record.ApproverName, "user", details); err != nil {
		s.logger.Errorf("Failed to record approval history: %v", err)
	}

	var request models.Request
	if err := s.db.WithContext(ctx).First(&request, record.RequestID).Error; err != nil {
		s.logger.Errorf("Failed to load request %d for notifications: %v", record.RequestID, err)
		return
	}
	ref := NotificationRef{RequestID: request.ID, DisplayID: request.DisplayID, Subject: request.Subject}

	for _, next := range activated {
		nextRef := ref
		nextRef.Level = next.Level
		if err := s.notifier.Notify(ctx, NotifyApprovalRequired, next.ApproverEmail, nextRef); err != nil {
			s.logger.Errorf("Failed to notify approver %s: %v", next.ApproverEmail, err)
		}
	}
	if opened {
		if err := s.history.Record(ctx, request.ID, "request_opened", "system", "system", "approval chain complete"); err != nil {
			s.logger.Errorf("Failed to record history: %v", err)
		}
	}
	if cancelled {
		if err := s.history.Record(ctx, request.ID, "request_cancelled", record.ApproverName, "user", "approval rejected"); err != nil {
			s.logger.Errorf("Failed to record history: %v", err)
		}
	}
}

// ResubmitClarification 澄清后重新提交：for_clarification -> pending_approval
func (s *ApprovalService) ResubmitClarification(ctx context.Context, recordID uint, comments string) (*models.ApprovalRecord, error) {
	var probe models.ApprovalRecord
	if err := s.db.WithContext(ctx).First(&probe, recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval record %d not found", recordID)
		}
		return nil, fmt.Errorf("failed to load approval record: %w", err)
	}

	lock := s.requestLock(probe.RequestID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	var record models.ApprovalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, recordID).Error; err != nil {
			return fmt.Errorf("failed to load approval record: %w", err)
		}
		if record.Status != models.ApprovalStatusForClarification {
			return fmt.Errorf("record %d has status %q: %w", record.ID, record.Status, ErrNotActionable)
		}

		record.Status = models.ApprovalStatusPending
		record.ActedOn = nil
		if comments != "" {
			record.Comments = comments
		}
		record.UpdatedAt = now
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to resubmit approval record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.history.Record(ctx, record.RequestID, "clarification_provided", record.ApproverName, "user", comments); err != nil {
		s.logger.Errorf("Failed to record history: %v", err)
	}
	return &record, nil
}

// GetChain 返回请求的全部审批记录，按级别排序
func (s *ApprovalService) GetChain(ctx context.Context, requestID uint) ([]models.ApprovalRecord, error) {
	var records []models.ApprovalRecord
	if err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("level, id").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load approval chain: %w", err)
	}
	return records, nil
}

// matchPolicy 查模板上该级别的匹配策略，缺省 all
func (s *ApprovalService) matchPolicy(tx *gorm.DB, request *models.Request, level int) (string, error) {
	var cfg models.ApprovalLevel
	err := tx.Where("template_id = ? AND level = ?", request.TemplateID, level).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "all", nil
		}
		return "", fmt.Errorf("failed to load level config: %w", err)
	}
	if cfg.MatchPolicy == "" {
		return "all", nil
	}
	return cfg.MatchPolicy, nil
}

// levelComplete 该级别所有记录均为 approved 时为真
func (s *ApprovalService) levelComplete(tx *gorm.DB, requestID uint, level int) (bool, error) {
	var open int64
	if err := tx.Model(&models.ApprovalRecord{}).
		Where("request_id = ? AND level = ? AND status <> ?", requestID, level, models.ApprovalStatusApproved).
		Count(&open).Error; err != nil {
		return false, fmt.Errorf("failed to check level completion: %w", err)
	}
	return open == 0, nil
}

// activateNext 激活下一个有 dormant 记录的级别；没有则审批链完成，请求转 open。
// 解析为空而未产生记录的级别被自然跳过。
func (s *ApprovalService) activateNext(tx *gorm.DB, request *models.Request, fromLevel int, now time.Time) ([]models.ApprovalRecord, bool, error) {
	var next []models.ApprovalRecord
	if err := tx.Where("request_id = ? AND level > ? AND status = ?",
		request.ID, fromLevel, models.ApprovalStatusDormant).
		Order("level, id").
		Find(&next).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load dormant records: %w", err)
	}

	if len(next) == 0 {
		opened := false
		if request.Status == models.RequestStatusForApproval {
			if err := tx.Model(&models.Request{}).Where("id = ?", request.ID).
				Updates(map[string]interface{}{"status": models.RequestStatusOpen, "updated_at": now}).Error; err != nil {
				return nil, false, fmt.Errorf("failed to open request: %w", err)
			}
			opened = true
		}
		return nil, opened, nil
	}

	targetLevel := next[0].Level
	var activated []models.ApprovalRecord
	for i := range next {
		if next[i].Level != targetLevel {
			break
		}
		rec := next[i]
		rec.Status = models.ApprovalStatusPending
		rec.SentOn = &now
		rec.UpdatedAt = now
		if err := tx.Save(&rec).Error; err != nil {
			return nil, false, fmt.Errorf("failed to activate level %d record: %w", targetLevel, err)
		}
		activated = append(activated, rec)
	}
	return activated, false, nil
}
