package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TemplateService 请求模板管理：字段、审批级与支持组绑定
type TemplateService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewTemplateService 创建模板管理服务
func NewTemplateService(db *gorm.DB, logger *logrus.Logger) *TemplateService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TemplateService{db: db, logger: logger}
}

// TemplateApproverRequest 审批人引用配置
type TemplateApproverRequest struct {
	RefType  string `json:"ref_type" binding:"required"`
	UserID   *uint  `json:"user_id"`
	Position int    `json:"position"`
}

// TemplateLevelRequest 审批级配置
type TemplateLevelRequest struct {
	Level       int                       `json:"level" binding:"required"`
	DisplayName string                    `json:"display_name"`
	MatchPolicy string                    `json:"match_policy"`
	Approvers   []TemplateApproverRequest `json:"approvers"`
}

// TemplateFieldRequest 模板字段配置
type TemplateFieldRequest struct {
	Name      string `json:"name" binding:"required"`
	FieldType string `json:"field_type"`
	Required  bool   `json:"required"`
	Position  int    `json:"position"`
}

// TemplateCreateRequest 创建模板
type TemplateCreateRequest struct {
	Name            string                 `json:"name" binding:"required"`
	Type            string                 `json:"type"`
	Active          bool                   `json:"active"`
	Fields          []TemplateFieldRequest `json:"fields"`
	ApprovalLevels  []TemplateLevelRequest `json:"approval_levels"`
	SupportGroupIDs []uint                 `json:"support_group_ids"`
}

func validateTemplateLevels(levels []TemplateLevelRequest) error {
	seen := make(map[int]bool, len(levels))
	for _, l := range levels {
		if l.Level < 1 {
			return fmt.Errorf("approval level must be positive")
		}
		if seen[l.Level] {
			return fmt.Errorf("duplicate approval level %d", l.Level)
		}
		seen[l.Level] = true
		if l.MatchPolicy != "" && l.MatchPolicy != "all" && l.MatchPolicy != "first" {
			return fmt.Errorf("invalid match policy %q", l.MatchPolicy)
		}
		for _, a := range l.Approvers {
			switch a.RefType {
			case models.ApproverRefUser:
				if a.UserID == nil {
					return fmt.Errorf("explicit approver reference requires user_id")
				}
			case models.ApproverRefReportingTo, models.ApproverRefDepartmentHead:
			default:
				return fmt.Errorf("invalid approver ref type %q", a.RefType)
			}
		}
	}
	return nil
}

// CreateTemplate 创建模板及其字段、审批级与支持组绑定
func (s *TemplateService) CreateTemplate(ctx context.Context, req *TemplateCreateRequest) (*models.Template, error) {
	templateType := req.Type
	if templateType == "" {
		templateType = "service"
	}
	if templateType != "service" && templateType != "incident" {
		return nil, fmt.Errorf("invalid template type %q", templateType)
	}
	if err := validateTemplateLevels(req.ApprovalLevels); err != nil {
		return nil, err
	}

	template := &models.Template{
		Name:   req.Name,
		Type:   templateType,
		Active: req.Active,
	}
	for _, f := range req.Fields {
		fieldType := f.FieldType
		if fieldType == "" {
			fieldType = "text"
		}
		template.Fields = append(template.Fields, models.TemplateField{
			Name:      f.Name,
			FieldType: fieldType,
			Required:  f.Required,
			Position:  f.Position,
		})
	}
	for _, l := range req.ApprovalLevels {
		policy := l.MatchPolicy
		if policy == "" {
			policy = "all"
		}
		level := models.ApprovalLevel{
			Level:       l.Level,
			DisplayName: l.DisplayName,
			MatchPolicy: policy,
		}
		for _, a := range l.Approvers {
			level.Approvers = append(level.Approvers, models.ApprovalLevelApprover{
				RefType:  a.RefType,
				UserID:   a.UserID,
				Position: a.Position,
			})
		}
		template.ApprovalLevels = append(template.ApprovalLevels, level)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(template).Error; err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
		if len(req.SupportGroupIDs) > 0 {
			var groups []models.SupportGroup
			if err := tx.Find(&groups, req.SupportGroupIDs).Error; err != nil {
				return fmt.Errorf("failed to load support groups: %w", err)
			}
			if len(groups) != len(req.SupportGroupIDs) {
				return fmt.Errorf("one or more support groups not found")
			}
			if err := tx.Model(template).Association("SupportGroups").Append(&groups); err != nil {
				return fmt.Errorf("failed to bind support groups: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Created template %s (%s) with %d approval level(s)", template.Name, template.Type, len(template.ApprovalLevels))
	return template, nil
}

// ListTemplates 列出模板
func (s *TemplateService) ListTemplates(ctx context.Context, activeOnly bool) ([]models.Template, error) {
	query := s.db.WithContext(ctx).Order("id")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var templates []models.Template
	if err := query.Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// GetTemplate 获取模板及其完整配置
func (s *TemplateService) GetTemplate(ctx context.Context, id uint) (*models.Template, error) {
	var template models.Template
	if err := s.db.WithContext(ctx).
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("ApprovalLevels", func(db *gorm.DB) *gorm.DB { return db.Order("level") }).
		Preload("ApprovalLevels.Approvers", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("SupportGroups").
		First(&template, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &template, nil
}
