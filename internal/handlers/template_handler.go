package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TemplateHandler 模板管理处理器
type TemplateHandler struct {
	templateService *services.TemplateService
	logger          *logrus.Logger
}

// NewTemplateHandler 创建模板处理器
func NewTemplateHandler(templateService *services.TemplateService, logger *logrus.Logger) *TemplateHandler {
	return &TemplateHandler{
		templateService: templateService,
		logger:          logger,
	}
}

// CreateTemplate 创建模板
// @Summary 创建模板
// @Description 创建模板及其字段、审批级与支持组绑定
// @Tags 模板管理
// @Accept json
// @Produce json
// @Param template body services.TemplateCreateRequest true "模板信息"
// @Success 201 {object} models.Template
// @Failure 400 {object} ErrorResponse
// @Router /api/templates [post]
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req services.TemplateCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	template, err := h.templateService.CreateTemplate(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create template: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create template",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, template)
}

// ListTemplates 获取模板列表
// @Summary 获取模板列表
// @Tags 模板管理
// @Produce json
// @Param active query bool false "只看启用"
// @Success 200 {array} models.Template
// @Failure 500 {object} ErrorResponse
// @Router /api/templates [get]
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	templates, err := h.templateService.ListTemplates(c.Request.Context(), activeOnly)
	if err != nil {
		h.logger.Errorf("Failed to list templates: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list templates",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, templates)
}

// GetTemplate 获取模板详情
// @Summary 获取模板详情
// @Description 获取模板及其字段与审批级配置
// @Tags 模板管理
// @Produce json
// @Param id path int true "模板ID"
// @Success 200 {object} models.Template
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/templates/{id} [get]
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid template ID",
			Message: "ID must be a valid number",
		})
		return
	}

	template, err := h.templateService.GetTemplate(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, services.ErrTemplateNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Template not found",
				Message: err.Error(),
			})
			return
		}
		h.logger.Errorf("Failed to get template %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get template",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, template)
}

// RegisterTemplateRoutes 注册模板管理相关路由
func RegisterTemplateRoutes(r *gin.RouterGroup, handler *TemplateHandler) {
	templates := r.Group("/templates")
	{
		templates.POST("", handler.CreateTemplate)
		templates.GET("", handler.ListTemplates)
		templates.GET("/:id", handler.GetTemplate)
	}
}
