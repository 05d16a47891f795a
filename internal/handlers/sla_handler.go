package handlers

import (
	"net/http"
	"strconv"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SLAHandler SLA 配置处理器
type SLAHandler struct {
	slaService *services.SLAService
	logger     *logrus.Logger
}

// NewSLAHandler 创建 SLA 处理器
func NewSLAHandler(slaService *services.SLAService, logger *logrus.Logger) *SLAHandler {
	return &SLAHandler{
		slaService: slaService,
		logger:     logger,
	}
}

// CreateSLA 创建 SLA 定义
// @Summary 创建 SLA 定义
// @Description 创建 SLA 定义及其升级级别（最多 4 级）
// @Tags SLA 配置
// @Accept json
// @Produce json
// @Param sla body services.SLACreateRequest true "SLA 定义"
// @Success 201 {object} models.SLADefinition
// @Failure 400 {object} ErrorResponse
// @Router /api/sla [post]
func (h *SLAHandler) CreateSLA(c *gin.Context) {
	var req services.SLACreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	sla, err := h.slaService.CreateSLA(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create SLA definition: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create SLA definition",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, sla)
}

// ListSLAs 获取 SLA 定义列表
// @Summary 获取 SLA 定义列表
// @Tags SLA 配置
// @Produce json
// @Success 200 {array} models.SLADefinition
// @Failure 500 {object} ErrorResponse
// @Router /api/sla [get]
func (h *SLAHandler) ListSLAs(c *gin.Context) {
	slas, err := h.slaService.ListSLAs(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list SLA definitions: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list SLA definitions",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, slas)
}

// GetSLA 获取 SLA 定义详情
// @Summary 获取 SLA 定义详情
// @Tags SLA 配置
// @Produce json
// @Param id path int true "SLA ID"
// @Success 200 {object} models.SLADefinition
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/sla/{id} [get]
func (h *SLAHandler) GetSLA(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid SLA ID",
			Message: "ID must be a valid number",
		})
		return
	}

	sla, err := h.slaService.GetSLA(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "SLA definition not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, sla)
}

// UpdateSLA 更新 SLA 定义
// @Summary 更新 SLA 定义
// @Description 更新 SLA 定义；携带升级级别时整组替换
// @Tags SLA 配置
// @Accept json
// @Produce json
// @Param id path int true "SLA ID"
// @Param sla body services.SLAUpdateRequest true "更新信息"
// @Success 200 {object} models.SLADefinition
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/sla/{id} [put]
func (h *SLAHandler) UpdateSLA(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid SLA ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req services.SLAUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	sla, err := h.slaService.UpdateSLA(c.Request.Context(), uint(id), &req)
	if err != nil {
		h.logger.Errorf("Failed to update SLA definition %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update SLA definition",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, sla)
}

// RegisterSLARoutes 注册 SLA 配置相关路由
func RegisterSLARoutes(r *gin.RouterGroup, handler *SLAHandler) {
	sla := r.Group("/sla")
	{
		sla.POST("", handler.CreateSLA)
		sla.GET("", handler.ListSLAs)
		sla.GET("/:id", handler.GetSLA)
		sla.PUT("/:id", handler.UpdateSLA)
	}
}
