// Package supervisor converges local containers onto the deployment
// instructions the conductor pushes. It keeps one ServiceRecord per service
// name and reports every outcome back over the stream.
package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/runtime"
	"github.com/conductor-sh/conductor/internal/protocol"
)

// runtimeCallTimeout bounds every engine call.
const runtimeCallTimeout = 30 * time.Second

// Error classes recorded on a ServiceRecord and reported upstream.
const (
	ErrClassImagePull      = "image_pull"
	ErrClassNetwork        = "network"
	ErrClassResource       = "resource"
	ErrClassRuntimeMissing = "runtime_missing"
	ErrClassOther          = "other"
)

// StatusReporter carries supervisor outcomes back to the conductor. The
// client implements it; tests use a recorder.
type StatusReporter interface {
	ReportServiceStatus(service, status, errMsg string)
}

// ServiceRecord is the last known state of one managed service.
type ServiceRecord struct {
	Name        string                      `json:"name"`
	ContainerID string                      `json:"container_id,omitempty"`
	Status      string                      `json:"status"`
	LastError   string                      `json:"last_error,omitempty"`
	ErrorClass  string                      `json:"error_class,omitempty"`
	Spec        *protocol.DeploymentPayload `json:"-"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Supervisor applies deployment instructions. Instructions for the same
// service are serialized by the records mutex; the latest instruction wins,
// there is no queue.
type Supervisor struct {
	runtime  runtime.Runtime
	reporter StatusReporter
	logger   *zap.Logger

	mu      sync.Mutex
	records map[string]*ServiceRecord
}

// New creates a Supervisor.
func New(rt runtime.Runtime, reporter StatusReporter, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		runtime:  rt,
		reporter: reporter,
		logger:   logger.Named("supervisor"),
		records:  make(map[string]*ServiceRecord),
	}
}

// Apply executes one deployment instruction.
func (s *Supervisor) Apply(ctx context.Context, instruction protocol.DeploymentPayload) {
	if instruction.Service == "" {
		s.logger.Warn("deployment instruction missing service name")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.records[instruction.Service]
	if record == nil {
		record = &ServiceRecord{Name: instruction.Service, Status: protocol.ServiceStopped}
		s.records[instruction.Service] = record
	}

	switch instruction.Action {
	case protocol.ActionStart, protocol.ActionUpdate:
		s.start(ctx, record, &instruction)
	case protocol.ActionStop:
		s.stop(ctx, record)
	case protocol.ActionRestart:
		// Best-effort reuse of the prior spec when the instruction carries
		// no image of its own.
		spec := &instruction
		if spec.Image == "" && record.Spec != nil {
			spec = record.Spec
		}
		s.stop(ctx, record)
		if record.Status == protocol.ServiceStopped {
			s.start(ctx, record, spec)
		}
	default:
		s.logger.Warn("unknown deployment action",
			zap.String("service", instruction.Service),
			zap.String("action", instruction.Action))
	}
}

// start converges the service onto spec. Starting an already running
// container with an unchanged spec is a no-op.
func (s *Supervisor) start(ctx context.Context, record *ServiceRecord, spec *protocol.DeploymentPayload) {
	if record.Status == protocol.ServiceRunning && record.Spec != nil && sameSpec(record.Spec, spec) {
		s.report(record)
		return
	}

	s.transition(record, protocol.ServicePulling, "", "")
	if err := s.runtime.PullImage(ctx, spec.Image); err != nil {
		s.fail(record, err)
		return
	}

	id, err := s.runtime.Run(ctx, runtimeSpec(spec))
	if err != nil {
		s.fail(record, err)
		return
	}

	record.ContainerID = id
	record.Spec = spec
	s.transition(record, protocol.ServiceRunning, "", "")
}

// stop halts the service. Stopping a missing container is a no-op.
func (s *Supervisor) stop(ctx context.Context, record *ServiceRecord) {
	if record.ContainerID != "" {
		if err := s.runtime.Stop(ctx, record.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			s.fail(record, err)
			return
		}
	}
	s.transition(record, protocol.ServiceStopped, "", "")
}

// transition records a new status and reports it.
func (s *Supervisor) transition(record *ServiceRecord, status, errMsg, errClass string) {
	record.Status = status
	record.LastError = errMsg
	record.ErrorClass = errClass
	record.UpdatedAt = time.Now().UTC()
	s.report(record)
}

// fail marks the service failed with a classified error.
func (s *Supervisor) fail(record *ServiceRecord, err error) {
	class := Classify(err)
	s.logger.Error("service action failed",
		zap.String("service", record.Name),
		zap.String("class", class),
		zap.Error(err))
	s.transition(record, protocol.ServiceFailed, err.Error(), class)
}

func (s *Supervisor) report(record *ServiceRecord) {
	if s.reporter == nil {
		return
	}
	s.reporter.ReportServiceStatus(record.Name, record.Status, record.LastError)
}

// Records returns a snapshot of all service records, for the admin API.
func (s *Supervisor) Records() []ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// Record returns one service record by name.
func (s *Supervisor) Record(name string) (ServiceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return ServiceRecord{}, false
	}
	return *r, true
}

// Restart re-runs a service from its recorded spec. The local admin API
// calls it; it fails silently when the service has never been deployed.
func (s *Supervisor) Restart(ctx context.Context, name string) bool {
	s.mu.Lock()
	record, ok := s.records[name]
	if !ok || record.Spec == nil {
		s.mu.Unlock()
		return false
	}
	spec := record.Spec
	s.mu.Unlock()

	instruction := *spec
	instruction.Action = protocol.ActionRestart
	s.Apply(ctx, instruction)
	return true
}

// Classify maps a runtime error onto the reported error classes.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, runtime.ErrImagePull):
		return ErrClassImagePull
	case errors.Is(err, runtime.ErrUnavailable):
		return ErrClassRuntimeMissing
	case errors.Is(err, context.DeadlineExceeded):
		return ErrClassNetwork
	case isResourceError(err):
		return ErrClassResource
	default:
		return ErrClassOther
	}
}

// isResourceError sniffs engine messages for host capacity failures. The
// engine gives no structured variant for these.
func isResourceError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"no space left", "cannot allocate memory", "port is already allocated", "address already in use"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sameSpec reports whether two instructions describe the same container.
func sameSpec(a, b *protocol.DeploymentPayload) bool {
	if a.Image != b.Image || len(a.Env) != len(b.Env) ||
		len(a.Ports) != len(b.Ports) || len(a.Volumes) != len(b.Volumes) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	for i := range a.Ports {
		if a.Ports[i] != b.Ports[i] {
			return false
		}
	}
	for i := range a.Volumes {
		if a.Volumes[i] != b.Volumes[i] {
			return false
		}
	}
	return true
}

// runtimeSpec translates a wire instruction into an engine spec.
func runtimeSpec(p *protocol.DeploymentPayload) runtime.Spec {
	spec := runtime.Spec{
		Name:  p.Service,
		Image: p.Image,
		Env:   p.Env,
	}
	for _, port := range p.Ports {
		spec.Ports = append(spec.Ports, runtime.PortBinding{
			HostPort:      port.Host,
			ContainerPort: port.Container,
			Protocol:      port.Protocol,
		})
	}
	for _, vol := range p.Volumes {
		spec.Volumes = append(spec.Volumes, runtime.VolumeBinding{
			Source:   vol.Source,
			Target:   vol.Target,
			ReadOnly: vol.ReadOnly,
		})
	}
	if p.Limits != nil {
		spec.CPULimit = p.Limits.CPUs
		spec.MemoryLimitMB = p.Limits.MemoryMB
	}
	return spec
}
