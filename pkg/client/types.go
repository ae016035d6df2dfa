package client

import "time"

// ServiceStatus mirrors the orchestrator's per-service status payload.
type ServiceStatus struct {
	ServiceID           string        `json:"serviceId"`
	Name                string        `json:"name"`
	Criticality         string        `json:"criticality"`
	Managed             string        `json:"managed"`
	State               string        `json:"state"`
	PID                 *int          `json:"pid,omitempty"`
	UptimeSeconds       *int64        `json:"uptimeSeconds,omitempty"`
	Health              HealthStatus  `json:"health"`
	Warmup              WarmupStatus  `json:"warmup"`
	CircuitBreaker      BreakerStatus `json:"circuitBreaker"`
	AutoRestoreAttempts int           `json:"autoRestoreAttempts"`
	LastError           string        `json:"lastError,omitempty"`
	LastStateChangeAt   time.Time     `json:"lastStateChangeAt"`
}

type HealthStatus struct {
	IsHealthy           bool       `json:"isHealthy"`
	LastCheckAt         *time.Time `json:"lastCheckAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ResponseTimeMs      *int64     `json:"responseTimeMs,omitempty"`
	Error               string     `json:"error,omitempty"`
}

type WarmupStatus struct {
	IsInWarmup       bool `json:"isInWarmup"`
	SuccessfulChecks int  `json:"successfulChecks"`
	RequiredChecks   int  `json:"requiredChecks"`
}

type BreakerStatus struct {
	State          string     `json:"state"`
	Failures       int        `json:"failures"`
	Trips          int        `json:"trips"`
	BackoffSeconds int        `json:"backoffSeconds"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
}

// OrchestratorInfo is the fleet summary in /status-all.
type OrchestratorInfo struct {
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime"`
	ServicesTotal   int    `json:"servicesTotal"`
	ServicesRunning int    `json:"servicesRunning"`
	ServicesHealthy int    `json:"servicesHealthy"`
}

// StatusAll is the /status-all response.
type StatusAll struct {
	Orchestrator OrchestratorInfo `json:"orchestrator"`
	Services     []ServiceStatus  `json:"services"`
}

// MainProcess is the process view inside /services/:id/processes.
type MainProcess struct {
	PID           *int       `json:"pid,omitempty"`
	Alive         bool       `json:"alive"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	UptimeSeconds *int64     `json:"uptimeSeconds,omitempty"`
}

// KillTracking mirrors the kill escalation state for the current PID.
type KillTracking struct {
	Phase         string     `json:"phase"`
	SigTermSentAt *time.Time `json:"sigTermSentAt,omitempty"`
	SigKillSentAt *time.Time `json:"sigKillSentAt,omitempty"`
	KillAttempts  int        `json:"killAttempts"`
	LastKillError string     `json:"lastKillError,omitempty"`
}

// ProcessInfo is the /services/:id/processes response.
type ProcessInfo struct {
	ServiceID    string       `json:"serviceId"`
	MainProcess  MainProcess  `json:"mainProcess"`
	KillTracking KillTracking `json:"killTracking"`
}

// Logs is the /services/:id/logs response.
type Logs struct {
	ServiceID string   `json:"serviceId"`
	Stdout    []string `json:"stdout"`
	Stderr    []string `json:"stderr"`
}

// Transition is one journal entry from /services/:id/history.
type Transition struct {
	ServiceID  string    `json:"serviceId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
