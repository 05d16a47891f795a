package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// Notification kinds emitted by the engine.
const (
	NotifyRequestCreated     = "request_created"
	NotifyApprovalRequired   = "approval_required"
	NotifyTechnicianAssigned = "technician_assigned"
	NotifyEscalationFired    = "escalation_fired"
)

// NotificationRef 通知上下文（请求的最小快照）
type NotificationRef struct {
	RequestID uint   `json:"request_id"`
	DisplayID string `json:"display_id"`
	Subject   string `json:"subject"`
	Level     int    `json:"level,omitempty"`
}

// Notifier 通知出口。发送失败只记录日志，绝不回滚引擎状态。
type Notifier interface {
	Notify(ctx context.Context, kind string, recipient string, ref NotificationRef) error
}

// LogNotifier 仅写日志的通知实现（默认）
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, kind string, recipient string, ref NotificationRef) error {
	n.logger.Infof("Notification: kind=%s, recipient=%s, request=%s", kind, recipient, ref.DisplayID)
	return nil
}

// WebhookNotifier 将通知投递到外部 webhook（如邮件网关）
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
}

// NewWebhookNotifier creates a notifier posting to the given endpoint.
func NewWebhookNotifier(endpoint string, logger *logrus.Logger) *WebhookNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, kind string, recipient string, ref NotificationRef) error {
	payload := map[string]interface{}{
		"kind":      kind,
		"recipient": recipient,
		"request":   ref,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// HistoryRecorder 请求历史出口（追加写，失败不阻断）
type HistoryRecorder interface {
	Record(ctx context.Context, requestID uint, action, actorName, actorType, details string) error
}

// DBHistoryRecorder 将历史写入 request_histories 表
type DBHistoryRecorder struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDBHistoryRecorder creates a gorm-backed history recorder.
func NewDBHistoryRecorder(db *gorm.DB, logger *logrus.Logger) *DBHistoryRecorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &DBHistoryRecorder{db: db, logger: logger}
}

func (r *DBHistoryRecorder) Record(ctx context.Context, requestID uint, action, actorName, actorType, details string) error {
	entry := &models.RequestHistory{
		RequestID: requestID,
		Action:    action,
		ActorName: actorName,
		ActorType: actorType,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// Clock abstracts time for SLA and escalation logic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 默认时钟
var SystemClock Clock = systemClock{}
