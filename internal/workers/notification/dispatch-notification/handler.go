package dispatchnotification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/common/observability"
	"portal-mailbox/internal/common/validation"
	"portal-mailbox/internal/models"
	"portal-mailbox/internal/notify"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "portal-notify"
)

var schema = validation.MustCompile(inputSchema)

// Dispatcher is the part of notify.Dispatcher the worker drives.
type Dispatcher interface {
	Send(ctx context.Context, req notify.Request) (*notify.FanoutReport, error)
}

type Handler struct {
	config       *Config
	dispatcher   Dispatcher
	obs          *observability.Observability
	logger       logger.Logger
	errorHandler *errors.ErrorHandler
}

func NewHandler(config *Config, dispatcher Dispatcher, obs *observability.Observability, log logger.Logger) *Handler {
	if obs == nil {
		obs = observability.Noop()
	}
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		dispatcher:   dispatcher,
		obs:          obs,
		logger:       l,
		errorHandler: errors.NewErrorHandler(l),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err == nil {
		var output *Output
		output, err = h.execute(ctx, input)
		if err == nil {
			h.completeJob(ctx, client, job, output)
			h.record(ctx, start, "success", "")
			return
		}
	}

	h.errorHandler.HandleJobError(ctx, client, job, err)
	h.record(ctx, start, "failed", string(errors.CodeOf(err)))
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	raw := []byte(job.Variables)
	if res := schema.Validate(raw); !res.Valid {
		return nil, res.Err()
	}

	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, errors.NewInvalidPayloadError(fmt.Sprintf("parse input: %v", err))
	}
	// a retried job must not write a second record per recipient
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = fmt.Sprintf("zeebe:%d", job.Key)
	}
	return &input, nil
}

// Execute runs the job logic without a Zeebe client.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	req := notify.Request{
		Type:            models.NotificationType(input.NotificationType),
		RecipientID:     input.RecipientID,
		RecipientIDs:    input.RecipientIDs,
		Role:            input.Role,
		ExcludeIDs:      input.ExcludeIDs,
		Fields:          input.Fields,
		RelatedEntityID: input.RelatedEntityID,
		TriggeredBy:     input.TriggeredBy,
		IdempotencyKey:  input.IdempotencyKey,
	}
	if !req.HasAudience() {
		req.Role = h.config.AdminRole
	}

	report, err := h.dispatcher.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	output := &Output{
		Delivered:        len(report.Delivered),
		Failed:           len(report.Failures),
		FailedRecipients: []string{},
		NotificationIDs:  report.Delivered,
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	for _, f := range report.Failures {
		output.FailedRecipients = append(output.FailedRecipients, f.RecipientID)
		if errors.OutcomeUnknown(f.Err) {
			output.UncertainRecipients = append(output.UncertainRecipients, f.RecipientID)
		}
	}

	switch {
	case len(report.Recipients) == 0:
		output.Status = StatusNoAudience
	case output.Failed == 0:
		output.Status = StatusDelivered
	case output.Delivered > 0:
		output.Status = StatusPartial
	default:
		output.Status = StatusFailed
	}

	if output.Failed > 0 {
		h.logger.Warn("notification delivery incomplete", map[string]interface{}{
			"type":             req.Type,
			"delivered":        output.Delivered,
			"failedRecipients": output.FailedRecipients,
			"error":            report.Err().Error(),
		})
	}

	// Nothing landed and every failure may succeed on retry: let the broker
	// retry the job. The idempotency key keeps the retry from duplicating.
	if output.Status == StatusFailed && allRetryable(report) {
		return nil, report.Failures[0].Err
	}
	return output, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
	}
}

func (h *Handler) record(ctx context.Context, start time.Time, status, code string) {
	h.obs.RecordJobProcessed(ctx, TaskType, status)
	h.obs.RecordJobDuration(ctx, TaskType, time.Since(start), status)
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	if status == "success" {
		metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
		return
	}
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, code).Inc()
}

func allRetryable(report *notify.FanoutReport) bool {
	for _, f := range report.Failures {
		if !errors.IsRetryable(f.Err) {
			return false
		}
	}
	return len(report.Failures) > 0
}
