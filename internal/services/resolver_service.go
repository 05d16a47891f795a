package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrSkipApprover 审批人引用无法解析（如请求人没有上级）。
// 调用方应跳过该审批人，而不是让整个操作失败。
var ErrSkipApprover = errors.New("approver reference skipped")

// ResolvedApprover 解析后的具体审批人
type ResolvedApprover struct {
	UserID uint   `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// ResolverService 将审批人引用（角色码或显式用户）解析为具体收件人
type ResolverService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewResolverService 创建审批人解析服务
func NewResolverService(db *gorm.DB, logger *logrus.Logger) *ResolverService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ResolverService{db: db, logger: logger}
}

// Resolve 解析单个审批人引用。无法解析时返回包裹 ErrSkipApprover 的错误。
func (s *ResolverService) Resolve(ctx context.Context, ref *models.ApprovalLevelApprover, requester *models.User) (*ResolvedApprover, error) {
	switch ref.RefType {
	case models.ApproverRefReportingTo:
		if requester.ReportingTo == nil {
			return nil, fmt.Errorf("requester %d has no reporting manager: %w", requester.ID, ErrSkipApprover)
		}
		return s.lookupUser(ctx, *requester.ReportingTo)

	case models.ApproverRefDepartmentHead:
		if requester.DepartmentID == nil {
			return nil, fmt.Errorf("requester %d has no department: %w", requester.ID, ErrSkipApprover)
		}
		var dept models.Department
		if err := s.db.WithContext(ctx).First(&dept, *requester.DepartmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("department %d not found: %w", *requester.DepartmentID, ErrSkipApprover)
			}
			return nil, fmt.Errorf("failed to load department: %w", err)
		}
		if dept.HeadID == nil {
			return nil, fmt.Errorf("department %q has no head: %w", dept.Name, ErrSkipApprover)
		}
		return s.lookupUser(ctx, *dept.HeadID)

	case models.ApproverRefUser:
		if ref.UserID == nil {
			return nil, fmt.Errorf("explicit approver reference has no user id: %w", ErrSkipApprover)
		}
		return s.lookupUser(ctx, *ref.UserID)

	default:
		return nil, fmt.Errorf("unknown approver reference type %q: %w", ref.RefType, ErrSkipApprover)
	}
}

func (s *ResolverService) lookupUser(ctx context.Context, id uint) (*ResolvedApprover, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// configuration gap, not a hard failure
			s.logger.Warnf("Approver user %d not found, skipping", id)
			return nil, fmt.Errorf("approver user %d not found: %w", id, ErrSkipApprover)
		}
		return nil, fmt.Errorf("failed to load approver user %d: %w", id, err)
	}
	return &ResolvedApprover{UserID: user.ID, Name: user.Name, Email: user.Email}, nil
}

// ResolveLevel 解析一个审批级的全部引用。跳过的引用被省略，同一用户只出现一次。
// 整级解析为空是合法结果（该级视为立即完成）。
func (s *ResolverService) ResolveLevel(ctx context.Context, level *models.ApprovalLevel, requester *models.User) ([]ResolvedApprover, error) {
	seen := make(map[uint]bool)
	var resolved []ResolvedApprover
	for i := range level.Approvers {
		ref := &level.Approvers[i]
		approver, err := s.Resolve(ctx, ref, requester)
		if err != nil {
			if errors.Is(err, ErrSkipApprover) {
				s.logger.Infof("Skipping approver at level %d: %v", level.Level, err)
				continue
			}
			return nil, err
		}
		if seen[approver.UserID] {
			continue
		}
		seen[approver.UserID] = true
		resolved = append(resolved, *approver)
	}
	return resolved, nil
}
