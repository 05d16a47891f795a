package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EscalationService SLA 升级调度。
//
// 每个启用的升级级别相对截止时刻独立计算触发点（level 2-4 不依赖 level 1
// 是否已触发，偏移允许乱序配置）。触发采用 claim-then-fire：先在唯一索引上
// 占位，再发通知；通知失败只记日志，绝不重发。
type EscalationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	notifier Notifier
	history  HistoryRecorder
	clock    Clock
}

// NewEscalationService 创建升级调度服务
func NewEscalationService(db *gorm.DB, logger *logrus.Logger, notifier Notifier, history HistoryRecorder, clock Clock) *EscalationService {
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
	return &EscalationService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("ithelpdesk.escalation"),
		notifier: notifier,
		history:  history,
		clock:    clock,
	}
}

// TriggerAt 计算升级级别的触发时刻：before 为截止前偏移，after 为截止后偏移
func (s *EscalationService) TriggerAt(due time.Time, level *models.EscalationLevel) time.Time {
	offset := offsetDuration(level)
	if level.Timing == models.EscalationTimingAfter {
		return due.Add(offset)
	}
	return due.Add(-offset)
}

// DueEscalations 返回已到触发点且尚未触发过的启用级别
func (s *EscalationService) DueEscalations(ctx context.Context, request *models.Request, now time.Time) ([]models.EscalationLevel, error) {
	if request.SLAID == nil || request.SLADueDate == nil {
		return nil, nil
	}

	var levels []models.EscalationLevel
	if err := s.db.WithContext(ctx).
		Where("sla_id = ? AND enabled = ?", *request.SLAID, true).
		Order("level").
		Find(&levels).Error; err != nil {
		return nil, fmt.Errorf("failed to load escalation levels: %w", err)
	}

	var fires []models.EscalationFire
	if err := s.db.WithContext(ctx).
		Where("request_id = ?", request.ID).
		Find(&fires).Error; err != nil {
		return nil, fmt.Errorf("failed to load escalation fires: %w", err)
	}
	fired := make(map[int]bool, len(fires))
	for _, f := range fires {
		fired[f.Level] = true
	}

	var due []models.EscalationLevel
	for _, level := range levels {
		if fired[level.Level] {
			continue
		}
		if !s.TriggerAt(*request.SLADueDate, &level).After(now) {
			due = append(due, level)
		}
	}
	return due, nil
}

// FireDue 触发所有到期级别，返回实际触发数。
// 占位写入失败（并发清扫已抢先）时静默跳过该级别。
func (s *EscalationService) FireDue(ctx context.Context, request *models.Request, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.fire_due")
	defer span.End()
	span.SetAttributes(attribute.Int64("escalation.request_id", int64(request.ID)))

	due, err := s.DueEscalations(ctx, request, now)
	if err != nil {
		return 0, err
	}

	firedCount := 0
	for i := range due {
		level := &due[i]
		fire := models.EscalationFire{
			RequestID: request.ID,
			Level:     level.Level,
			FiredAt:   now,
		}
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&fire)
		if result.Error != nil {
			return firedCount, fmt.Errorf("failed to claim escalation level %d: %w", level.Level, result.Error)
		}
		if result.RowsAffected == 0 {
			// lost the claim to a concurrent sweep
			continue
		}

		s.notifyLevel(ctx, request, level, &fire)
		firedCount++
	}

	if firedCount > 0 {
		s.logger.Warnf("Fired %d escalation level(s) for request %s", firedCount, request.DisplayID)
	}
	span.SetAttributes(attribute.Int("escalation.fired", firedCount))
	return firedCount, nil
}

// notifyLevel 通知级别收件人；任何失败只记日志，占位保持已触发
func (s *EscalationService) notifyLevel(ctx context.Context, request *models.Request, level *models.EscalationLevel, fire *models.EscalationFire) {
	ref := NotificationRef{
		RequestID: request.ID,
		DisplayID: request.DisplayID,
		Subject:   request.Subject,
		Level:     level.Level,
	}

	notified := false
	for _, id := range parseRecipientIDs(level.RecipientIDs) {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
			s.logger.Errorf("Escalation recipient %d not found: %v", id, err)
			continue
		}
		if err := s.notifier.Notify(ctx, NotifyEscalationFired, user.Email, ref); err != nil {
			s.logger.Errorf("Failed to notify escalation recipient %s: %v", user.Email, err)
			continue
		}
		notified = true
	}

	if notified {
		if err := s.db.WithContext(ctx).Model(fire).Update("notified", true).Error; err != nil {
			s.logger.Errorf("Failed to mark escalation fire notified: %v", err)
		}
	}
	details := fmt.Sprintf("escalation level %d fired (%s due date)", level.Level, level.Timing)
	if err := s.history.Record(ctx, request.ID, "escalation_fired", "system", "system", details); err != nil {
		s.logger.Errorf("Failed to record escalation history: %v", err)
	}
}

func parseRecipientIDs(raw string) []uint {
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids
}

// StartEscalationMonitor 周期清扫待升级请求；并发触发是幂等的，可重入
func (s *EscalationService) StartEscalationMonitor(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting escalation monitoring service")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation monitoring service stopped")
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Errorf("Escalation sweep error: %v", err)
			}
		}
	}
}

func (s *EscalationService) sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "escalation.sweep")
	defer span.End()

	var requests []models.Request
	if err := s.db.WithContext(ctx).
		Where("sla_due_date IS NOT NULL AND status IN ?",
			[]string{models.RequestStatusOpen, models.RequestStatusForApproval}).
		Find(&requests).Error; err != nil {
		return fmt.Errorf("failed to load requests for escalation sweep: %w", err)
	}

	now := s.clock.Now()
	fired := 0
	for i := range requests {
		n, err := s.FireDue(ctx, &requests[i], now)
		if err != nil {
			s.logger.Errorf("Failed to fire escalations for request %d: %v", requests[i].ID, err)
			continue
		}
		fired += n
	}

	s.logger.Debugf("Escalation sweep completed: checked %d requests, fired %d levels", len(requests), fired)
	span.SetAttributes(
		attribute.Int("escalation.sweep.requests", len(requests)),
		attribute.Int("escalation.sweep.fired", fired),
	)
	return nil
}
