package domain

import "time"

// Command classes known to the rate governor. Anything else falls under
// ClassDefault.
const (
	ClassAddRecord  = "add_record"
	ClassWorkplaces = "workplaces"
	ClassReports    = "reports"
	ClassSettings   = "settings"
	ClassDefault    = "default"
)

// Command is the inbound envelope handed over by the chat-integration
// collaborator. It passes the rate governor first, then the handler chain.
type Command struct {
	UserID     int64
	Username   string
	Class      string
	Args       []string
	ReceivedAt time.Time
}
