package uarbatch

import "errors"

var (
	ErrUnknownJob          = errors.New("unknown job")
	ErrSchedulerStopped    = errors.New("scheduler is stopping")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrTemplateNotFound    = errors.New("no EMAIL or TEAMS template")
	ErrWebhookRejected     = errors.New("workflow endpoint rejected notification")
	ErrWorkflowURLMissing  = errors.New("UAR_WORKFLOW_URL is not configured")
	ErrSourceNotConfigured = errors.New("source url is not configured")
)
