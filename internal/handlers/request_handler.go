package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestHandler 请求管理处理器
type RequestHandler struct {
	requestService *services.RequestService
	logger         *logrus.Logger
}

// NewRequestHandler 创建请求处理器
func NewRequestHandler(requestService *services.RequestService, logger *logrus.Logger) *RequestHandler {
	return &RequestHandler{
		requestService: requestService,
		logger:         logger,
	}
}

// CreateRequest 创建请求
// @Summary 创建请求
// @Description 基于模板创建请求，自动计算 SLA 截止时刻、构建审批链并指派技术员
// @Tags 请求管理
// @Accept json
// @Produce json
// @Param request body services.RequestCreateRequest true "请求信息"
// @Success 201 {object} models.Request
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/requests [post]
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var req services.RequestCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	request, err := h.requestService.CreateRequest(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrTemplateNotFound) || errors.Is(err, services.ErrRequesterNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Precondition failed",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to create request: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to create request",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, request)
}

// ListRequests 获取请求列表
// @Summary 获取请求列表
// @Description 获取请求列表，支持分页、状态与指派过滤
// @Tags 请求管理
// @Accept json
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页大小"
// @Param status query []string false "状态过滤"
// @Param template_id query int false "模板过滤"
// @Param requester_id query int false "请求人过滤"
// @Param assigned_tech_id query int false "技术员过滤"
// @Success 200 {object} PaginatedResponse{data=[]models.Request}
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/requests [get]
func (h *RequestHandler) ListRequests(c *gin.Context) {
	var req services.RequestListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	requests, total, err := h.requestService.ListRequests(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to list requests: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list requests",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     requests,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    totalPages(total, req.PageSize),
	})
}

// GetRequest 获取请求详情
// @Summary 获取请求详情
// @Description 获取请求及其审批链与历史
// @Tags 请求管理
// @Accept json
// @Produce json
// @Param id path int true "请求ID"
// @Success 200 {object} models.Request
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/requests/{id} [get]
func (h *RequestHandler) GetRequest(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request ID",
			Message: "ID must be a valid number",
		})
		return
	}

	request, err := h.requestService.GetRequest(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Request not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, request)
}

// UpdateRequestStatus 更新请求状态
// @Summary 更新请求状态
// @Description 沿生命周期状态机更新请求状态；审批中转 open 只能由审批链驱动
// @Tags 请求管理
// @Accept json
// @Produce json
// @Param id path int true "请求ID"
// @Param status body object true "状态信息"
// @Success 200 {object} models.Request
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/requests/{id}/status [put]
func (h *RequestHandler) UpdateRequestStatus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req struct {
		Status    string `json:"status" binding:"required"`
		ActorName string `json:"actor_name"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	request, err := h.requestService.UpdateStatus(c.Request.Context(), uint(id), req.Status, req.ActorName, req.Reason)
	if err != nil {
		h.logger.Errorf("Failed to update status of request %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update request status",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, request)
}

// RegisterRequestRoutes 注册请求管理相关路由
func RegisterRequestRoutes(r *gin.RouterGroup, handler *RequestHandler) {
	requests := r.Group("/requests")
	{
		requests.POST("", handler.CreateRequest)
		requests.GET("", handler.ListRequests)
		requests.GET("/:id", handler.GetRequest)
		requests.PUT("/:id/status", handler.UpdateRequestStatus)
	}
}
