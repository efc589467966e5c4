package models

// Action is a subscriber command verb
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// CommandRequest is an inbound subscriber command as received. Numeric
// fields stay raw strings until validated; nil means absent.
type CommandRequest struct {
	AppID   string
	Command string
	Minute  *string
	Hour    *string
	Limit   *string
}

// Command is a validated subscriber command. Minute, Hour and Limit are
// only meaningful for ActionStart.
type Command struct {
	AppID  string
	Action Action
	Minute int
	Hour   int
	Limit  int
}

// Subscription returns the record a start command asks for
func (c Command) Subscription() Subscription {
	return Subscription{
		AppID:  c.AppID,
		Minute: c.Minute,
		Hour:   c.Hour,
		Limit:  c.Limit,
	}
}
