package models

import (
	"time"

	"gorm.io/gorm"
)

// User 用户模型
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"unique;not null" json:"username"`
	Email        string         `gorm:"unique;not null" json:"email"`
	Name         string         `json:"name"`
	Role         string         `gorm:"default:'requester'" json:"role"` // requester, technician, admin
	Status       string         `gorm:"default:'active'" json:"status"`  // active, inactive
	DepartmentID *uint          `gorm:"index" json:"department_id"`
	ReportingTo  *uint          `gorm:"index" json:"reporting_to"` // direct manager user id
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	Department *Department `gorm:"foreignKey:DepartmentID" json:"department,omitempty"`
	Manager    *User       `gorm:"foreignKey:ReportingTo" json:"manager,omitempty"`
}

// Department 部门
type Department struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	HeadID    *uint     `gorm:"index" json:"head_id"` // department head user id
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Head *User `gorm:"foreignKey:HeadID" json:"head,omitempty"`
}

// Technician 技术员（可被指派处理请求）
type Technician struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"uniqueIndex" json:"user_id"`
	Active    bool           `gorm:"default:true" json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	User   User           `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Groups []SupportGroup `gorm:"many2many:support_group_technicians" json:"groups,omitempty"`
}

// SupportGroup 支持组
type SupportGroup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Technicians []Technician `gorm:"many2many:support_group_technicians" json:"technicians,omitempty"`
}

// Template 请求模板
type Template struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Type      string         `gorm:"default:'service'" json:"type"` // service, incident
	Active    bool           `gorm:"default:true" json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Fields         []TemplateField `gorm:"foreignKey:TemplateID" json:"fields,omitempty"`
	ApprovalLevels []ApprovalLevel `gorm:"foreignKey:TemplateID" json:"approval_levels,omitempty"`
	SupportGroups  []SupportGroup  `gorm:"many2many:template_support_groups" json:"support_groups,omitempty"`
}

// TemplateField 模板字段定义
type TemplateField struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TemplateID uint   `gorm:"index" json:"template_id"`
	Name       string `gorm:"not null" json:"name"`
	FieldType  string `gorm:"default:'text'" json:"field_type"` // text, number, select, priority
	Required   bool   `gorm:"default:false" json:"required"`
	Position   int    `json:"position"`
}

// ApprovalLevel 模板内的一级审批配置
type ApprovalLevel struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TemplateID  uint   `gorm:"index" json:"template_id"`
	Level       int    `gorm:"not null" json:"level"` // 1-based, ordered
	DisplayName string `json:"display_name"`
	MatchPolicy string `gorm:"default:'all'" json:"match_policy"` // all, first

	Approvers []ApprovalLevelApprover `gorm:"foreignKey:ApprovalLevelID" json:"approvers,omitempty"`
}

// Approver reference kinds. Role codes are resolved against the requester's
// org context at request-creation time; explicit references name a user.
const (
	ApproverRefUser           = "user"
	ApproverRefReportingTo    = "reporting_to"
	ApproverRefDepartmentHead = "department_head"
)

// ApprovalLevelApprover 审批级中的一个审批人引用
type ApprovalLevelApprover struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	ApprovalLevelID uint   `gorm:"index" json:"approval_level_id"`
	RefType         string `gorm:"not null" json:"ref_type"` // user, reporting_to, department_head
	UserID          *uint  `json:"user_id"`                  // set only for ref_type=user
	Position        int    `json:"position"`
}

// Request statuses.
const (
	RequestStatusForApproval = "for_approval"
	RequestStatusOpen        = "open"
	RequestStatusOnHold      = "on_hold"
	RequestStatusResolved    = "resolved"
	RequestStatusClosed      = "closed"
	RequestStatusCancelled   = "cancelled"
)

// Request 服务/事件请求
type Request struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	DisplayID      string         `gorm:"uniqueIndex" json:"display_id"`
	TemplateID     uint           `gorm:"index" json:"template_id"`
	RequesterID    uint           `gorm:"index" json:"requester_id"`
	Subject        string         `gorm:"not null" json:"subject"`
	Description    string         `gorm:"type:text" json:"description"`
	Status         string         `gorm:"default:'open';index" json:"status"`
	Priority       string         `json:"priority"` // low, normal, high, urgent (from a priority-typed field)
	FormData       string         `gorm:"type:text" json:"form_data"` // JSON: template answers + engine metadata
	AssignedTechID *uint          `gorm:"index" json:"assigned_tech_id"`
	SLAID          *uint          `gorm:"index" json:"sla_id"`
	SLADueDate     *time.Time     `json:"sla_due_date"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Template     Template         `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	Requester    User             `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	AssignedTech *Technician      `gorm:"foreignKey:AssignedTechID" json:"assigned_tech,omitempty"`
	Approvals    []ApprovalRecord `gorm:"foreignKey:RequestID" json:"approvals,omitempty"`
	History      []RequestHistory `gorm:"foreignKey:RequestID" json:"history,omitempty"`
}

// Approval record statuses.
const (
	ApprovalStatusDormant          = "dormant"
	ApprovalStatusPending          = "pending_approval"
	ApprovalStatusApproved         = "approved"
	ApprovalStatusRejected         = "rejected"
	ApprovalStatusForClarification = "for_clarification"
)

// ApprovalRecord 一个审批人在某一级上的审批记录
type ApprovalRecord struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RequestID     uint       `gorm:"index" json:"request_id"`
	Level         int        `gorm:"not null;index" json:"level"`
	LevelName     string     `json:"level_name"`
	ApproverID    uint       `gorm:"index" json:"approver_id"`
	ApproverName  string     `json:"approver_name"`
	ApproverEmail string     `json:"approver_email"`
	Status        string     `gorm:"default:'dormant'" json:"status"`
	SentOn        *time.Time `json:"sent_on"`  // set only when the level activates
	ActedOn       *time.Time `json:"acted_on"` // record is immutable once set
	Comments      string     `gorm:"type:text" json:"comments"`
	AutoApproval  bool       `gorm:"default:false" json:"auto_approval"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Request Request `gorm:"foreignKey:RequestID" json:"request,omitempty"`
}

// SLADefinition SLA 定义：解决时限 + 升级级别
type SLADefinition struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Name                 string    `gorm:"unique;not null" json:"name"`
	ResolutionDays       int       `gorm:"default:0" json:"resolution_days"`
	ResolutionHours      int       `gorm:"default:0" json:"resolution_hours"`
	ResolutionMinutes    int       `gorm:"default:0" json:"resolution_minutes"`
	OperationalHoursOnly bool      `gorm:"default:false" json:"operational_hours_only"`
	Active               bool      `gorm:"default:true" json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	EscalationLevels []EscalationLevel `gorm:"foreignKey:SLAID" json:"escalation_levels,omitempty"`
}

// Escalation timing relative to the SLA due date.
const (
	EscalationTimingBefore = "before"
	EscalationTimingAfter  = "after"

	MaxEscalationLevels = 4
)

// EscalationLevel SLA 升级级别配置（最多 4 级）
type EscalationLevel struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	SLAID         uint   `gorm:"index" json:"sla_id"`
	Level         int    `gorm:"not null" json:"level"` // 1-4
	Enabled       bool   `gorm:"default:true" json:"enabled"`
	Timing        string `gorm:"default:'before'" json:"timing"` // before, after
	OffsetDays    int    `gorm:"default:0" json:"offset_days"`
	OffsetHours   int    `gorm:"default:0" json:"offset_hours"`
	OffsetMinutes int    `gorm:"default:0" json:"offset_minutes"`
	RecipientIDs  string `json:"recipient_ids"` // 逗号分隔 user id 列表
}

// EscalationFire 升级触发标记：每个 (request, level) 至多一行
type EscalationFire struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID uint      `gorm:"uniqueIndex:idx_escalation_fire_request_level" json:"request_id"`
	Level     int       `gorm:"uniqueIndex:idx_escalation_fire_request_level" json:"level"`
	FiredAt   time.Time `json:"fired_at"`
	Notified  bool      `gorm:"default:false" json:"notified"`
}

// BusinessCalendar 营业日历：每周时段 + 节假日
type BusinessCalendar struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Timezone  string    `gorm:"default:'UTC'" json:"timezone"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Windows  []CalendarWindow `gorm:"foreignKey:CalendarID" json:"windows,omitempty"`
	Holidays []Holiday        `gorm:"foreignKey:CalendarID" json:"holidays,omitempty"`
}

// CalendarWindow 每周某天的一个营业时段，"09:00"-"18:00" 格式
type CalendarWindow struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	CalendarID uint   `gorm:"index" json:"calendar_id"`
	Weekday    int    `gorm:"not null" json:"weekday"` // 0=Sunday .. 6=Saturday
	StartTime  string `gorm:"not null" json:"start_time"`
	EndTime    string `gorm:"not null" json:"end_time"`
}

// Holiday 节假日（整天不营业）
type Holiday struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CalendarID uint      `gorm:"index" json:"calendar_id"`
	Date       time.Time `gorm:"not null;index" json:"date"`
	Name       string    `json:"name"`
}

// RequestHistory 请求历史（追加写）
type RequestHistory struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID uint      `gorm:"index" json:"request_id"`
	Action    string    `gorm:"not null" json:"action"`
	ActorName string    `json:"actor_name"`
	ActorType string    `gorm:"default:'user'" json:"actor_type"` // user, system
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
