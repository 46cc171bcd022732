// Package jobs declares the application's job families and wires them to
// queues and workers.
//
// Each family is a closed set of job-type tags sharing one queue and one
// default policy:
//
//	email-queue            EmailJob         attempts 3, exp 2s
//	user-processing-queue  UserJob          attempts 3, exp 5s (cleanup: 2, 10s)
//	notifications-queue    NotificationJob  attempts 5, exp 1s
//	data-export-queue      ExportJob        attempts 2, exp 10s
//
// Payloads are validated before any broker call; a tag outside the family is
// a ValidationError and nothing is enqueued.
package jobs
