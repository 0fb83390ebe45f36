package protocol

// Event names on the /workers namespace, worker → conductor.
const (
	EventWorkerRegister      = "worker:register"
	EventWorkerPing          = "worker:ping"
	EventWorkerResources     = "worker:resources"
	EventWorkerServiceStatus = "worker:service:status"
)

// Event names on the /workers namespace, conductor → worker.
const (
	EventWorkerRegistered = "worker:registered"
	EventError            = "error"
	EventDeployment       = "deployment"
)

// Event names on the /operators namespace, operator → conductor.
const (
	EventWorkerSubscribe   = "worker:subscribe"
	EventWorkerUnsubscribe = "worker:unsubscribe"
)

// Event names on the /operators namespace, conductor → operator.
const (
	EventWorkerOnline           = "worker:online"
	EventWorkerOffline          = "worker:offline"
	EventWorkerResourcesUpdated = "worker:resources:updated"
	EventWorkerLiveUpdate       = "worker:live:update"
)

// WildcardWorker subscribes an operator session to lifecycle events for every
// worker. It is the default subscription for a freshly connected session.
const WildcardWorker = "*"

// RegisterPayload is sent by a worker inside the registration grace window.
// WorkerID is set on reconnect so the conductor rebinds the existing record
// instead of minting a new identity.
type RegisterPayload struct {
	Token     string            `json:"token"`
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ip_address"`
	Resources DeclaredResources `json:"resources"`
	WorkerID  string            `json:"worker_id,omitempty"`
}

// RegisteredPayload is the positive response to worker:register.
type RegisteredPayload struct {
	WorkerID  string `json:"workerId"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Status    string `json:"status"`
}

// PingPayload carries a millisecond wall-clock timestamp and, when the probe
// detected drift past the noise floor, a full resource snapshot.
type PingPayload struct {
	Timestamp int64             `json:"timestamp"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
}

// ResourcesPayload is an out-of-band snapshot pushed between pings.
type ResourcesPayload struct {
	Resources ResourceSnapshot `json:"resources"`
}

// ServiceStatusPayload reports a supervisor outcome for one managed service.
type ServiceStatusPayload struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// DeploymentPayload is a declarative instruction for one service on one
// worker. The latest instruction for a service name wins; there is no queue.
type DeploymentPayload struct {
	Service string            `json:"service"`
	Image   string            `json:"image"`
	Env     map[string]string `json:"env,omitempty"`
	Ports   []PortMapping     `json:"ports,omitempty"`
	Volumes []VolumeMount     `json:"volumes,omitempty"`
	Limits  *ResourceLimits   `json:"limits,omitempty"`
	Action  string            `json:"action"`
}

// Deployment actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionUpdate  = "update"
)

// PortMapping publishes a container port on the host.
type PortMapping struct {
	Host      int    `json:"host"`
	Container int    `json:"container"`
	Protocol  string `json:"protocol,omitempty"` // "tcp" (default) or "udp"
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ResourceLimits caps a service's container resources.
type ResourceLimits struct {
	CPUs     float64 `json:"cpus,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
}

// SubscribePayload narrows or widens an operator session's interest.
type SubscribePayload struct {
	WorkerID string `json:"workerId"`
}

// WorkerOnlinePayload announces a worker transitioning to online, carrying
// the full worker record so subscribers need no follow-up fetch.
type WorkerOnlinePayload struct {
	WorkerID string     `json:"workerId"`
	Worker   WorkerInfo `json:"worker"`
}

// WorkerOfflinePayload announces a sweep-driven or explicit offline transition.
type WorkerOfflinePayload struct {
	WorkerID string `json:"workerId"`
}

// ResourcesUpdatedPayload announces a declared-resource change.
type ResourcesUpdatedPayload struct {
	WorkerID  string            `json:"workerId"`
	Resources DeclaredResources `json:"declaredResources"`
}

// LiveUpdatePayload is emitted on every accepted ping or resources message.
type LiveUpdatePayload struct {
	WorkerID  string            `json:"workerId"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// WorkerInfo is the wire representation of a worker record, shared by the
// REST surface and the operator fan-out.
type WorkerInfo struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ip_address"`
	Status    string            `json:"status"`
	Declared  DeclaredResources `json:"resources"`
	Live      *ResourceSnapshot `json:"live,omitempty"`
	LastSeen  int64             `json:"last_seen,omitempty"`
	CreatedAt int64             `json:"created_at,omitempty"`
}

// Worker statuses. The sweeper is the only component that sets offline;
// pings are the only thing that set online again.
const (
	StatusPending  = "pending"
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// Service statuses tracked by the worker-side supervisor.
const (
	ServiceRunning = "running"
	ServiceStopped = "stopped"
	ServiceFailed  = "failed"
	ServicePulling = "pulling"
)
