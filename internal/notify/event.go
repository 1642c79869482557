// Package notify defines the asynchronous notification collaborator. The
// auth core hands messages to a Notifier and never waits on delivery.
package notify

// Event is the payload published to the notification queue. Data carries
// template variables; sensitive fields (otp codes) are redacted by the
// consumer before anything is written to disk.
type Event struct {
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	QueuedAt  string         `json:"queued_at"`
}

// Template names understood by downstream delivery.
const (
	TemplateLoginOTP     = "login_otp"
	TemplateRegisterOTP  = "register_otp"
	TemplateNewDevice    = "new_device"
	TemplateSecurityWarn = "security_warning"
)
