package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobcast/internal/queue"
	"jobcast/pkg/logx"
)

// Mailer delivers one rendered email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, msg EmailJob) (messageID string, err error)
}

// Notifier delivers a notification on the given channel (push, in-app, sms).
type Notifier interface {
	Notify(ctx context.Context, channel string, n NotificationJob) error
}

type Exporter interface {
	Export(ctx context.Context, job ExportJob) (ExportResult, error)
}

type EmailResult struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

type NotificationResult struct {
	Channel     string    `json:"channel"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type UserResult struct {
	UserID      string    `json:"userId"`
	ProcessedAt time.Time `json:"processedAt"`
	FollowUp    []Handle  `json:"followUp,omitempty"`
}

type ExportResult struct {
	Path       string       `json:"path"`
	Format     ExportFormat `json:"format"`
	Records    int          `json:"records"`
	ExportedAt time.Time    `json:"exportedAt"`
}

// Handlers holds the collaborators used by the built-in processors.
type Handlers struct {
	Mailer   Mailer
	Notifier Notifier
	Exporter Exporter
	// Registry is used to chain follow-up jobs; nil disables chaining.
	Registry *Registry
	// StepDelay is slept before each progress checkpoint.
	StepDelay time.Duration
	Log       logx.Logger
	Now       func() time.Time
}

// Processor returns the processor for a queue. Dispatch inside each
// processor is an exhaustive switch over the family's tags.
func (h *Handlers) Processor(queueName string) (queue.Processor, error) {
	switch queueName {
	case EmailQueue:
		return h.email, nil
	case UserQueue:
		return h.user, nil
	case NotificationQueue:
		return h.notification, nil
	case ExportQueue:
		return h.export, nil
	}
	return nil, fmt.Errorf("no handler for queue %q", queueName)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func decode[T Payload](j *queue.Job) (T, error) {
	var v T
	if err := j.Decode(&v); err != nil {
		return v, queue.NoRetry(err)
	}
	if err := v.Validate(); err != nil {
		return v, queue.NoRetry(err)
	}
	if v.JobType() != j.Name {
		return v, queue.NoRetry(fmt.Errorf("job name %q does not match payload type %q", j.Name, v.JobType()))
	}
	return v, nil
}

// checkpoint waits one step and reports progress.
func (h *Handlers) checkpoint(ctx context.Context, j *queue.Job, progress int) error {
	if h.StepDelay > 0 {
		t := time.NewTimer(h.StepDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return j.UpdateProgress(ctx, progress)
}

func (h *Handlers) steps(ctx context.Context, j *queue.Job, points ...int) error {
	for _, p := range points {
		if err := h.checkpoint(ctx, j, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) email(ctx context.Context, j *queue.Job) (any, error) {
	msg, err := decode[EmailJob](j)
	if err != nil {
		return nil, err
	}
	if h.Mailer == nil {
		return nil, queue.NoRetry(fmt.Errorf("no mailer configured"))
	}
	switch msg.Type {
	case SendWelcomeEmail, SendPasswordResetEmail, SendNotificationEmail:
	default:
		return nil, queue.NoRetry(fmt.Errorf("unhandled email type %q", msg.Type))
	}

	if err := h.steps(ctx, j, 25, 50); err != nil {
		return nil, err
	}
	id, err := h.Mailer.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	if err := h.steps(ctx, j, 75, 100); err != nil {
		return nil, err
	}
	return EmailResult{MessageID: id, SentAt: h.now()}, nil
}

func (h *Handlers) user(ctx context.Context, j *queue.Job) (any, error) {
	u, err := decode[UserJob](j)
	if err != nil {
		return nil, err
	}
	res := UserResult{UserID: u.UserID}

	switch u.Type {
	case ProcessUserRegistration:
		if err := h.steps(ctx, j, 25); err != nil {
			return nil, err
		}
		if h.Registry != nil {
			name, _ := u.Data["name"].(string)
			handle, err := h.Registry.Email().Enqueue(ctx, EmailJob{
				Type:      SendWelcomeEmail,
				To:        u.Email,
				Subject:   "Welcome",
				Template:  "welcome",
				Variables: map[string]any{"name": name, "userId": u.UserID},
			})
			if err != nil {
				return nil, fmt.Errorf("chain welcome email: %w", err)
			}
			res.FollowUp = append(res.FollowUp, handle)
		}
		if err := h.steps(ctx, j, 50, 75, 100); err != nil {
			return nil, err
		}
	case UpdateUserProfile:
		if err := h.steps(ctx, j, 25, 50, 75, 100); err != nil {
			return nil, err
		}
	case CleanupUserData:
		if err := h.steps(ctx, j, 25, 50, 75, 100); err != nil {
			return nil, err
		}
	default:
		return nil, queue.NoRetry(fmt.Errorf("unhandled user job type %q", u.Type))
	}

	h.Log.Debug("user job processed", logx.String("type", string(u.Type)), logx.String("user_id", u.UserID))
	res.ProcessedAt = h.now()
	return res, nil
}

func (h *Handlers) notification(ctx context.Context, j *queue.Job) (any, error) {
	n, err := decode[NotificationJob](j)
	if err != nil {
		return nil, err
	}
	if h.Notifier == nil {
		return nil, queue.NoRetry(fmt.Errorf("no notifier configured"))
	}
	var channel string
	switch n.Type {
	case SendPushNotification, SendInAppNotification, SendSMSNotification:
		channel = n.Type.Channel()
	default:
		return nil, queue.NoRetry(fmt.Errorf("unhandled notification type %q", n.Type))
	}
	if err := h.steps(ctx, j, 25, 50); err != nil {
		return nil, err
	}
	if err := h.Notifier.Notify(ctx, channel, n); err != nil {
		return nil, fmt.Errorf("notify %s via %s: %w", n.UserID, channel, err)
	}
	if err := h.steps(ctx, j, 100); err != nil {
		return nil, err
	}
	return NotificationResult{Channel: channel, DeliveredAt: h.now()}, nil
}

func (h *Handlers) export(ctx context.Context, j *queue.Job) (any, error) {
	e, err := decode[ExportJob](j)
	if err != nil {
		return nil, err
	}
	if h.Exporter == nil {
		return nil, queue.NoRetry(fmt.Errorf("no exporter configured"))
	}
	switch e.Type {
	case ExportUserData, GenerateReport:
	default:
		return nil, queue.NoRetry(fmt.Errorf("unhandled export type %q", e.Type))
	}
	if err := h.steps(ctx, j, 25); err != nil {
		return nil, err
	}
	res, err := h.Exporter.Export(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", e.Type, err)
	}
	if err := h.steps(ctx, j, 75, 100); err != nil {
		return nil, err
	}
	if res.ExportedAt.IsZero() {
		res.ExportedAt = h.now()
	}
	return res, nil
}

// LogMailer logs messages instead of sending them.
type LogMailer struct{ Log logx.Logger }

func (m LogMailer) Send(_ context.Context, msg EmailJob) (string, error) {
	id := uuid.NewString()
	m.Log.Info("email sent",
		logx.String("type", string(msg.Type)),
		logx.String("to", msg.To),
		logx.String("template", msg.Template),
		logx.String("message_id", id),
	)
	return id, nil
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct{ Log logx.Logger }

func (n LogNotifier) Notify(_ context.Context, channel string, msg NotificationJob) error {
	n.Log.Info("notification delivered",
		logx.String("channel", channel),
		logx.String("user_id", msg.UserID),
		logx.String("title", msg.Title),
	)
	return nil
}
