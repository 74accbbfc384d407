package models

import (
	"fmt"
	"time"
)

// SiteStatus is the lifecycle state of a site
type SiteStatus string

const (
	StatusPending   SiteStatus = "pending"
	StatusDeploying SiteStatus = "deploying"
	StatusLive      SiteStatus = "live"
	StatusFailed    SiteStatus = "failed"
)

// DomainProvider identifies who serves DNS for a site's domain
type DomainProvider string

const (
	ProviderUnknown    DomainProvider = "unknown"
	ProviderNamecheap  DomainProvider = "namecheap"
	ProviderCloudflare DomainProvider = "cloudflare"
)

// StageStatus represents the status of a single deployment stage
type StageStatus struct {
	Status      string     `json:"status" dynamodbav:"Status"` // "in_progress", "completed", "failed"
	StartedAt   *time.Time `json:"started_at,omitempty" dynamodbav:"StartedAt,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" dynamodbav:"CompletedAt,omitempty"`
	Error       string     `json:"error,omitempty" dynamodbav:"Error,omitempty"`
}

// LogEntry is one line of a deployment log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" dynamodbav:"Timestamp"`
	Stage     string    `json:"stage" dynamodbav:"Stage"`
	Level     string    `json:"level" dynamodbav:"Level"` // "info", "warning", "error"
	Message   string    `json:"message" dynamodbav:"Message"`
}

// Site is the unit of management: fetched source, a port, a supervised
// process and a provisioned domain.
type Site struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Repo           string                  `json:"repo"`
	DomainName     string                  `json:"domain_name"`
	Port           int                     `json:"port"`
	Status         SiteStatus              `json:"status"`
	ProjectDir     string                  `json:"project_dir"`
	DomainStatus   bool                    `json:"domain_status"`
	DomainProvider DomainProvider          `json:"domain_provider"`
	IPURL          string                  `json:"IP_URL"`
	IPLiveStatus   bool                    `json:"IP_live_status"`
	Message        string                  `json:"message,omitempty"`
	Stages         map[string]*StageStatus `json:"stages,omitempty"`
	Logs           []LogEntry              `json:"logs,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (s *Site) Clone() *Site {
	if s == nil {
		return nil
	}
	c := *s
	if s.Stages != nil {
		c.Stages = make(map[string]*StageStatus, len(s.Stages))
		for k, v := range s.Stages {
			if v == nil {
				continue
			}
			st := *v
			c.Stages[k] = &st
		}
	}
	if s.Logs != nil {
		c.Logs = make([]LogEntry, len(s.Logs))
		copy(c.Logs, s.Logs)
	}
	return &c
}

// HoldsPort reports whether the site's port counts as allocated
func (s *Site) HoldsPort() bool {
	return s.Port != 0 && (s.Status == StatusDeploying || s.Status == StatusLive)
}

// Provider returns the domain provider, treating an empty value as unknown
func (s *Site) Provider() DomainProvider {
	if s.DomainProvider == "" {
		return ProviderUnknown
	}
	return s.DomainProvider
}

// RefreshIPURL recomputes IP_URL from the server address and current port
func (s *Site) RefreshIPURL(serverIP string) {
	if s.Port == 0 || serverIP == "" {
		s.IPURL = ""
		return
	}
	s.IPURL = BuildIPURL(serverIP, s.Port)
}

// BuildIPURL formats the direct address of a site process
func BuildIPURL(serverIP string, port int) string {
	return fmt.Sprintf("http://%s:%d", serverIP, port)
}

var allowedTransitions = map[SiteStatus][]SiteStatus{
	StatusPending:   {StatusDeploying},
	StatusFailed:    {StatusDeploying},
	StatusLive:      {StatusDeploying},
	StatusDeploying: {StatusLive, StatusFailed},
}

// CanTransition reports whether a site may move from one status to another.
// Writing the same status again is always allowed.
func CanTransition(from, to SiteStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
