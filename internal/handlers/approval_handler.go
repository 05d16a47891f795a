package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ApprovalHandler 审批工作流处理器
type ApprovalHandler struct {
	approvalService *services.ApprovalService
	logger          *logrus.Logger
}

// NewApprovalHandler 创建审批处理器
func NewApprovalHandler(approvalService *services.ApprovalService, logger *logrus.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		approvalService: approvalService,
		logger:          logger,
	}
}

// GetApprovalChain 获取请求的审批链
// @Summary 获取审批链
// @Description 获取请求的全部审批记录，按级别排序
// @Tags 审批工作流
// @Accept json
// @Produce json
// @Param id path int true "请求ID"
// @Success 200 {array} models.ApprovalRecord
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/requests/{id}/approvals [get]
func (h *ApprovalHandler) GetApprovalChain(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request ID",
			Message: "ID must be a valid number",
		})
		return
	}

	records, err := h.approvalService.GetChain(c.Request.Context(), uint(id))
	if err != nil {
		h.logger.Errorf("Failed to get approval chain of request %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get approval chain",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, records)
}

// ApplyApprovalAction 执行审批动作
// @Summary 执行审批动作
// @Description 对单条审批记录执行 approve / reject / request_clarification
// @Tags 审批工作流
// @Accept json
// @Produce json
// @Param id path int true "审批记录ID"
// @Param action body services.ApprovalActionRequest true "动作信息"
// @Success 200 {object} models.ApprovalRecord
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/approvals/{id}/action [post]
func (h *ApprovalHandler) ApplyApprovalAction(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid approval record ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req services.ApprovalActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	record, err := h.approvalService.ApplyAction(c.Request.Context(), uint(id), &req)
	if err != nil {
		if errors.Is(err, services.ErrNotActionable) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Approval record is not actionable",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to apply approval action on record %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to apply approval action",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ResubmitClarification 澄清后重新提交审批
// @Summary 澄清后重新提交
// @Description 将 for_clarification 状态的审批记录恢复为待审
// @Tags 审批工作流
// @Accept json
// @Produce json
// @Param id path int true "审批记录ID"
// @Param clarification body object true "澄清内容"
// @Success 200 {object} models.ApprovalRecord
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/approvals/{id}/resubmit [post]
func (h *ApprovalHandler) ResubmitClarification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid approval record ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req struct {
		Comments string `json:"comments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	record, err := h.approvalService.ResubmitClarification(c.Request.Context(), uint(id), req.Comments)
	if err != nil {
		if errors.Is(err, services.ErrNotActionable) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Approval record is not awaiting clarification",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to resubmit approval record %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to resubmit clarification",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// RegisterApprovalRoutes 注册审批工作流相关路由
func RegisterApprovalRoutes(r *gin.RouterGroup, handler *ApprovalHandler) {
	r.GET("/requests/:id/approvals", handler.GetApprovalChain)
	approvals := r.Group("/approvals")
	{
		approvals.POST("/:id/action", handler.ApplyApprovalAction)
		approvals.POST("/:id/resubmit", handler.ResubmitClarification)
	}
}
