package api

import "time"

// v0 contains the public types shared by the supervisor and its collaborators.

// LocalHost is the reserved host identifier for the machine running the proxy.
const LocalHost = "localhost"

// Outcome is the result recorded for one supervised process in one step.
type Outcome string

const (
	OutcomeUp          Outcome = "up"
	OutcomeDown        Outcome = "down"
	OutcomeRelaunched  Outcome = "relaunched"
	OutcomeOffline     Outcome = "offline"
	OutcomeAdded       Outcome = "added"
	OutcomeAddFailed   Outcome = "add_failed"
	OutcomeRemoved     Outcome = "removed"
	OutcomeScheduled   Outcome = "removal_scheduled"
	OutcomeCancelled   Outcome = "removal_cancelled"
	OutcomeProxyUp     Outcome = "proxy_up"
	OutcomeProxyDown   Outcome = "proxy_down"
	OutcomeReloadError Outcome = "reload_error"
	OutcomeShutdown    Outcome = "shutdown"
)

// Event is a structured status event emitted by the supervisor.
type Event struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Cycle   int       `json:"cycle"`
	Host    string    `json:"host"`
	Outcome Outcome   `json:"outcome"`
	Kind    ErrorKind `json:"kind,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Message string    `json:"message,omitempty"`
}
