package jobs

import (
	"strings"
)

// Queue names are part of the public contract; other services enqueue by name.
const (
	EmailQueue        = "email-queue"
	UserQueue         = "user-processing-queue"
	NotificationQueue = "notifications-queue"
	ExportQueue       = "data-export-queue"
)

// QueueNames lists every queue in start order.
func QueueNames() []string {
	return []string{EmailQueue, UserQueue, NotificationQueue, ExportQueue}
}

// Payload is implemented by every family's job record.
type Payload interface {
	JobType() string
	Validate() error
}

// ---- email ----

type EmailType string

const (
	SendWelcomeEmail       EmailType = "SEND_WELCOME_EMAIL"
	SendPasswordResetEmail EmailType = "SEND_PASSWORD_RESET_EMAIL"
	SendNotificationEmail  EmailType = "SEND_NOTIFICATION_EMAIL"
)

func (t EmailType) Valid() bool {
	switch t {
	case SendWelcomeEmail, SendPasswordResetEmail, SendNotificationEmail:
		return true
	}
	return false
}

type EmailJob struct {
	Type      EmailType      `json:"type"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Template  string         `json:"template"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (j EmailJob) JobType() string { return string(j.Type) }

func (j EmailJob) Validate() error {
	const fam = "email"
	if !j.Type.Valid() {
		return invalid(fam, "type", "unknown job type "+quote(string(j.Type)))
	}
	if !looksLikeEmail(j.To) {
		return invalid(fam, "to", "must be an email address")
	}
	if strings.TrimSpace(j.Subject) == "" {
		return invalid(fam, "subject", "required")
	}
	if strings.TrimSpace(j.Template) == "" {
		return invalid(fam, "template", "required")
	}
	return nil
}

// ---- user lifecycle ----

type UserType string

const (
	ProcessUserRegistration UserType = "PROCESS_USER_REGISTRATION"
	UpdateUserProfile       UserType = "UPDATE_USER_PROFILE"
	CleanupUserData         UserType = "CLEANUP_USER_DATA"
)

func (t UserType) Valid() bool {
	switch t {
	case ProcessUserRegistration, UpdateUserProfile, CleanupUserData:
		return true
	}
	return false
}

type UserJob struct {
	Type   UserType       `json:"type"`
	UserID string         `json:"userId"`
	Email  string         `json:"email,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (j UserJob) JobType() string { return string(j.Type) }

func (j UserJob) Validate() error {
	const fam = "user"
	if !j.Type.Valid() {
		return invalid(fam, "type", "unknown job type "+quote(string(j.Type)))
	}
	if strings.TrimSpace(j.UserID) == "" {
		return invalid(fam, "userId", "required")
	}
	// Registration sends the welcome email, so it needs an address.
	if j.Type == ProcessUserRegistration && !looksLikeEmail(j.Email) {
		return invalid(fam, "email", "must be an email address")
	}
	if j.Email != "" && !looksLikeEmail(j.Email) {
		return invalid(fam, "email", "must be an email address")
	}
	return nil
}

// ---- notifications ----

type NotificationType string

const (
	SendPushNotification  NotificationType = "SEND_PUSH_NOTIFICATION"
	SendInAppNotification NotificationType = "SEND_IN_APP_NOTIFICATION"
	SendSMSNotification   NotificationType = "SEND_SMS_NOTIFICATION"
)

func (t NotificationType) Valid() bool {
	switch t {
	case SendPushNotification, SendInAppNotification, SendSMSNotification:
		return true
	}
	return false
}

// Channel is the delivery channel the notifier is asked to use.
func (t NotificationType) Channel() string {
	switch t {
	case SendPushNotification:
		return "push"
	case SendInAppNotification:
		return "in-app"
	case SendSMSNotification:
		return "sms"
	}
	return ""
}

type NotificationJob struct {
	Type    NotificationType `json:"type"`
	UserID  string           `json:"userId"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

func (j NotificationJob) JobType() string { return string(j.Type) }

func (j NotificationJob) Validate() error {
	const fam = "notification"
	if !j.Type.Valid() {
		return invalid(fam, "type", "unknown job type "+quote(string(j.Type)))
	}
	if strings.TrimSpace(j.UserID) == "" {
		return invalid(fam, "userId", "required")
	}
	if strings.TrimSpace(j.Message) == "" {
		return invalid(fam, "message", "required")
	}
	return nil
}

// ---- data export ----

type ExportType string

const (
	ExportUserData ExportType = "EXPORT_USER_DATA"
	GenerateReport ExportType = "GENERATE_REPORT"
)

func (t ExportType) Valid() bool {
	switch t {
	case ExportUserData, GenerateReport:
		return true
	}
	return false
}

type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

type ExportJob struct {
	Type        ExportType     `json:"type"`
	UserID      string         `json:"userId,omitempty"`
	Format      ExportFormat   `json:"format,omitempty"`
	RequestedBy string         `json:"requestedBy"`
	Filters     map[string]any `json:"filters,omitempty"`
}

func (j ExportJob) JobType() string { return string(j.Type) }

func (j ExportJob) Validate() error {
	const fam = "export"
	if !j.Type.Valid() {
		return invalid(fam, "type", "unknown job type "+quote(string(j.Type)))
	}
	switch j.Format {
	case "", FormatJSON, FormatCSV:
	default:
		return invalid(fam, "format", "must be json or csv")
	}
	if strings.TrimSpace(j.RequestedBy) == "" {
		return invalid(fam, "requestedBy", "required")
	}
	if j.Type == ExportUserData && strings.TrimSpace(j.UserID) == "" {
		return invalid(fam, "userId", "required for "+string(ExportUserData))
	}
	return nil
}

// FormatOrDefault returns the requested format, json when unset.
func (j ExportJob) FormatOrDefault() ExportFormat {
	if j.Format == "" {
		return FormatJSON
	}
	return j.Format
}

func looksLikeEmail(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t\r\n")
}

func quote(s string) string { return `"` + s + `"` }
