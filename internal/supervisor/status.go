package supervisor

import (
	"time"

	"github.com/loykin/servo/internal/breaker"
	"github.com/loykin/servo/internal/process"
	"github.com/loykin/servo/internal/registry"
)

// State is the service lifecycle state. Exactly one holds at any instant.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateWarmup      State = "warmup"
	StateRunning     State = "running"
	StateError       State = "error"
	StateCircuitOpen State = "circuit_open"
	StateExternal    State = "external"
)

// HealthStatus is the most recent probe outcome for a service.
type HealthStatus struct {
	IsHealthy           bool       `json:"isHealthy"`
	LastCheckAt         *time.Time `json:"lastCheckAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ResponseTimeMs      *int64     `json:"responseTimeMs,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// WarmupStatus tracks progress through the post-start warmup gate.
type WarmupStatus struct {
	IsInWarmup       bool `json:"isInWarmup"`
	SuccessfulChecks int  `json:"successfulChecks"`
	RequiredChecks   int  `json:"requiredChecks"`
}

// ServiceStatus is the full per-service view exposed to operators. It is a
// snapshot: the owning supervision actor is the only writer of the live state.
type ServiceStatus struct {
	ServiceID           string               `json:"serviceId"`
	Name                string               `json:"name"`
	Criticality         registry.Criticality `json:"criticality"`
	Managed             registry.Managed     `json:"managed"`
	State               State                `json:"state"`
	PID                 *int                 `json:"pid,omitempty"`
	UptimeSeconds       *int64               `json:"uptimeSeconds,omitempty"`
	Health              HealthStatus         `json:"health"`
	Warmup              WarmupStatus         `json:"warmup"`
	CircuitBreaker      breaker.Snapshot     `json:"circuitBreaker"`
	AutoRestoreAttempts int                  `json:"autoRestoreAttempts"`
	LastError           string               `json:"lastError,omitempty"`
	LastStateChangeAt   time.Time            `json:"lastStateChangeAt"`
}

// MainProcess describes the OS process currently (or last) owned for a service.
type MainProcess struct {
	PID           *int       `json:"pid,omitempty"`
	Alive         bool       `json:"alive"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	UptimeSeconds *int64     `json:"uptimeSeconds,omitempty"`
}

// ProcessInfo is the process-level view for one service, including kill
// escalation tracking tied to the current PID.
type ProcessInfo struct {
	ServiceID    string           `json:"serviceId"`
	MainProcess  MainProcess      `json:"mainProcess"`
	KillTracking process.Tracking `json:"killTracking"`
}

// ServiceLogs is the captured output tail for one service.
type ServiceLogs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// OrchestratorInfo is the fleet-level summary in /status-all.
type OrchestratorInfo struct {
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime"`
	ServicesTotal   int    `json:"servicesTotal"`
	ServicesRunning int    `json:"servicesRunning"`
	ServicesHealthy int    `json:"servicesHealthy"`
}
