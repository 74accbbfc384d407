package provider

import (
	"context"
	"fmt"

	"github.com/imyashkale/sitedeploy/internal/models"
)

// DefaultTTL is the TTL in seconds applied to managed A records
const DefaultTTL = 1800

// Record actions reported in RecordOutcome
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionUnchanged = "unchanged"
	ActionDeleted   = "deleted"
	ActionFailed    = "failed"
)

// Provider provisions a domain's DNS through one registrar or DNS host.
// A call succeeded when the returned error is nil; the Result log is
// populated either way.
type Provider interface {
	Name() models.DomainProvider
	SetupDomain(ctx context.Context, domain string) (*Result, error)
	AddTxtRecord(ctx context.Context, domain, name, value string) (*Result, error)
}

// RecordOutcome describes what happened to one DNS record
type RecordOutcome struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// Result is the log and outcome of a provisioning call
type Result struct {
	Log                  []string        `json:"log"`
	Records              []RecordOutcome `json:"records,omitempty"`
	Nameservers          []string        `json:"nameservers,omitempty"`
	PendingMigration     bool            `json:"pending_migration"`
	ManualActionRequired bool            `json:"manual_action_required"`
}

func (r *Result) logf(format string, args ...interface{}) {
	r.Log = append(r.Log, fmt.Sprintf(format, args...))
}

func (r *Result) record(name, recordType, action string, err error) {
	outcome := RecordOutcome{Name: name, Type: recordType, Action: action}
	if err != nil {
		outcome.Error = err.Error()
	}
	r.Records = append(r.Records, outcome)
}

// Succeeded lists the names of records that did not fail
func (r *Result) Succeeded() []string {
	var names []string
	for _, rec := range r.Records {
		if rec.Action != ActionFailed {
			names = append(names, rec.Name)
		}
	}
	return names
}

// Failed lists the names of records that failed
func (r *Result) Failed() []string {
	var names []string
	for _, rec := range r.Records {
		if rec.Action == ActionFailed {
			names = append(names, rec.Name)
		}
	}
	return names
}
