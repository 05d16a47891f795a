package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SLAService SLA 定义与升级级别配置的管理
type SLAService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSLAService 创建 SLA 管理服务
func NewSLAService(db *gorm.DB, logger *logrus.Logger) *SLAService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAService{db: db, logger: logger}
}

// EscalationLevelRequest 升级级别配置
type EscalationLevelRequest struct {
	Level         int    `json:"level" binding:"required"`
	Enabled       bool   `json:"enabled"`
	Timing        string `json:"timing"`
	OffsetDays    int    `json:"offset_days"`
	OffsetHours   int    `json:"offset_hours"`
	OffsetMinutes int    `json:"offset_minutes"`
	RecipientIDs  string `json:"recipient_ids"`
}

// SLACreateRequest 创建 SLA 定义
type SLACreateRequest struct {
	Name                 string                   `json:"name" binding:"required"`
	ResolutionDays       int                      `json:"resolution_days"`
	ResolutionHours      int                      `json:"resolution_hours"`
	ResolutionMinutes    int                      `json:"resolution_minutes"`
	OperationalHoursOnly bool                     `json:"operational_hours_only"`
	Active               bool                     `json:"active"`
	EscalationLevels     []EscalationLevelRequest `json:"escalation_levels"`
}

func validateEscalationLevels(levels []EscalationLevelRequest) error {
	if len(levels) > models.MaxEscalationLevels {
		return fmt.Errorf("at most %d escalation levels are supported", models.MaxEscalationLevels)
	}
	seen := make(map[int]bool, len(levels))
	for _, l := range levels {
		if l.Level < 1 || l.Level > models.MaxEscalationLevels {
			return fmt.Errorf("escalation level must be between 1 and %d", models.MaxEscalationLevels)
		}
		if seen[l.Level] {
			return fmt.Errorf("duplicate escalation level %d", l.Level)
		}
		seen[l.Level] = true
		if l.Timing != "" && l.Timing != models.EscalationTimingBefore && l.Timing != models.EscalationTimingAfter {
			return fmt.Errorf("invalid escalation timing %q", l.Timing)
		}
		if l.OffsetDays < 0 || l.OffsetHours < 0 || l.OffsetMinutes < 0 {
			return fmt.Errorf("escalation offsets must be non-negative")
		}
	}
	return nil
}

// CreateSLA 创建 SLA 定义及其升级级别
func (s *SLAService) CreateSLA(ctx context.Context, req *SLACreateRequest) (*models.SLADefinition, error) {
	if req.ResolutionDays < 0 || req.ResolutionHours < 0 || req.ResolutionMinutes < 0 {
		return nil, fmt.Errorf("resolution duration must be non-negative")
	}
	if err := validateEscalationLevels(req.EscalationLevels); err != nil {
		return nil, err
	}

	sla := &models.SLADefinition{
		Name:                 req.Name,
		ResolutionDays:       req.ResolutionDays,
		ResolutionHours:      req.ResolutionHours,
		ResolutionMinutes:    req.ResolutionMinutes,
		OperationalHoursOnly: req.OperationalHoursOnly,
		Active:               req.Active,
	}
	for _, l := range req.EscalationLevels {
		timing := l.Timing
		if timing == "" {
			timing = models.EscalationTimingBefore
		}
		sla.EscalationLevels = append(sla.EscalationLevels, models.EscalationLevel{
			Level:         l.Level,
			Enabled:       l.Enabled,
			Timing:        timing,
			OffsetDays:    l.OffsetDays,
			OffsetHours:   l.OffsetHours,
			OffsetMinutes: l.OffsetMinutes,
			RecipientIDs:  l.RecipientIDs,
		})
	}

	if err := s.db.WithContext(ctx).Create(sla).Error; err != nil {
		return nil, fmt.Errorf("failed to create SLA definition: %w", err)
	}
	s.logger.Infof("Created SLA definition %s with %d escalation level(s)", sla.Name, len(sla.EscalationLevels))
	return sla, nil
}

// ListSLAs 列出全部 SLA 定义
func (s *SLAService) ListSLAs(ctx context.Context) ([]models.SLADefinition, error) {
	var slas []models.SLADefinition
	if err := s.db.WithContext(ctx).
		Preload("EscalationLevels", func(db *gorm.DB) *gorm.DB { return db.Order("level") }).
		Order("id").
		Find(&slas).Error; err != nil {
		return nil, fmt.Errorf("failed to list SLA definitions: %w", err)
	}
	return slas, nil
}

// GetSLA 获取单个 SLA 定义
func (s *SLAService) GetSLA(ctx context.Context, id uint) (*models.SLADefinition, error) {
	var sla models.SLADefinition
	if err := s.db.WithContext(ctx).
		Preload("EscalationLevels", func(db *gorm.DB) *gorm.DB { return db.Order("level") }).
		First(&sla, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("SLA definition not found")
		}
		return nil, fmt.Errorf("failed to get SLA definition: %w", err)
	}
	return &sla, nil
}

// SLAUpdateRequest 更新 SLA 定义；升级级别整组替换
type SLAUpdateRequest struct {
	Name                 *string                  `json:"name"`
	ResolutionDays       *int                     `json:"resolution_days"`
	ResolutionHours      *int                     `json:"resolution_hours"`
	ResolutionMinutes    *int                     `json:"resolution_minutes"`
	OperationalHoursOnly *bool                    `json:"operational_hours_only"`
	Active               *bool                    `json:"active"`
	EscalationLevels     []EscalationLevelRequest `json:"escalation_levels"`
}

// UpdateSLA 更新 SLA 定义。升级级别字段出现时整组替换旧配置。
func (s *SLAService) UpdateSLA(ctx context.Context, id uint, req *SLAUpdateRequest) (*models.SLADefinition, error) {
	var sla models.SLADefinition
	if err := s.db.WithContext(ctx).First(&sla, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("SLA definition not found")
		}
		return nil, fmt.Errorf("failed to get SLA definition: %w", err)
	}

	if req.EscalationLevels != nil {
		if err := validateEscalationLevels(req.EscalationLevels); err != nil {
			return nil, err
		}
	}

	if req.Name != nil {
		sla.Name = *req.Name
	}
	if req.ResolutionDays != nil {
		sla.ResolutionDays = *req.ResolutionDays
	}
	if req.ResolutionHours != nil {
		sla.ResolutionHours = *req.ResolutionHours
	}
	if req.ResolutionMinutes != nil {
		sla.ResolutionMinutes = *req.ResolutionMinutes
	}
	if req.OperationalHoursOnly != nil {
		sla.OperationalHoursOnly = *req.OperationalHoursOnly
	}
	if req.Active != nil {
		sla.Active = *req.Active
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&sla).Error; err != nil {
			return fmt.Errorf("failed to update SLA definition: %w", err)
		}
		if req.EscalationLevels != nil {
			if err := tx.Where("sla_id = ?", sla.ID).Delete(&models.EscalationLevel{}).Error; err != nil {
				return fmt.Errorf("failed to replace escalation levels: %w", err)
			}
			for _, l := range req.EscalationLevels {
				timing := l.Timing
				if timing == "" {
					timing = models.EscalationTimingBefore
				}
				level := models.EscalationLevel{
					SLAID:         sla.ID,
					Level:         l.Level,
					Enabled:       l.Enabled,
					Timing:        timing,
					OffsetDays:    l.OffsetDays,
					OffsetHours:   l.OffsetHours,
					OffsetMinutes: l.OffsetMinutes,
					RecipientIDs:  l.RecipientIDs,
				}
				if err := tx.Create(&level).Error; err != nil {
					return fmt.Errorf("failed to create escalation level: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetSLA(ctx, sla.ID)
}
