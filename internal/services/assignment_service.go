package services

import (
	"context"
	"fmt"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AssignmentService 技术员负载均衡指派
type AssignmentService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAssignmentService 创建指派服务
func NewAssignmentService(db *gorm.DB, logger *logrus.Logger) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentService{db: db, logger: logger}
}

// Assign 为模板选择负载最低的可用技术员。
//
// 候选集为模板关联支持组内的在职技术员，支持组为空或无人时回退到全局在职池。
// 负载按 open/for_approval 请求数统计；并列时取先出现者（按 id 升序，保证确定性）。
// 没有任何候选时返回 (nil, nil)，请求保持未指派。
func (s *AssignmentService) Assign(ctx context.Context, templateID uint) (*models.Technician, error) {
	var template models.Template
	if err := s.db.WithContext(ctx).Preload("SupportGroups").First(&template, templateID).Error; err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", templateID, err)
	}

	candidates, err := s.groupCandidates(ctx, &template)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// fall back to the global active pool
		if err := s.db.WithContext(ctx).
			Where("active = ?", true).
			Order("id").
			Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("failed to load active technicians: %w", err)
		}
	}
	if len(candidates) == 0 {
		s.logger.Warnf("No active technician available for template %d", templateID)
		return nil, nil
	}

	var best *models.Technician
	bestCount := int64(-1)
	for i := range candidates {
		tech := &candidates[i]
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Request{}).
			Where("assigned_tech_id = ? AND status IN ?", tech.ID,
				[]string{models.RequestStatusOpen, models.RequestStatusForApproval}).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to count load for technician %d: %w", tech.ID, err)
		}
		if best == nil || count < bestCount {
			best = tech
			bestCount = count
		}
	}

	s.logger.Infof("Assigned technician %d (load=%d) for template %d", best.ID, bestCount, templateID)
	return best, nil
}

// groupCandidates 返回模板支持组内的在职技术员，按 id 升序去重
func (s *AssignmentService) groupCandidates(ctx context.Context, template *models.Template) ([]models.Technician, error) {
	if len(template.SupportGroups) == 0 {
		return nil, nil
	}
	groupIDs := make([]uint, 0, len(template.SupportGroups))
	for _, g := range template.SupportGroups {
		if g.Active {
			groupIDs = append(groupIDs, g.ID)
		}
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}

	var techIDs []uint
	if err := s.db.WithContext(ctx).
		Table("support_group_technicians").
		Where("support_group_id IN ?", groupIDs).
		Distinct("technician_id").
		Order("technician_id").
		Pluck("technician_id", &techIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to load support group members: %w", err)
	}
	if len(techIDs) == 0 {
		return nil, nil
	}

	var techs []models.Technician
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND active = ?", techIDs, true).
		Order("id").
		Find(&techs).Error; err != nil {
		return nil, fmt.Errorf("failed to load group technicians: %w", err)
	}
	return techs, nil
}
