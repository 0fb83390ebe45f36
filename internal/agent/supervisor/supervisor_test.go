package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/runtime"
	"github.com/conductor-sh/conductor/internal/protocol"
)

// fakeRuntime tracks containers in memory and can be told to fail.
type fakeRuntime struct {
	mu      sync.Mutex
	nextID  int
	running map[string]string // container id -> image
	pulls   []string
	runs    []runtime.Spec
	stops   []string
	pullErr error
	runErr  error
	stopErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]string)}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, image)
	return f.pullErr
}

func (f *fakeRuntime) Run(_ context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = spec.Image
	f.runs = append(f.runs, spec)
	return id, nil
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, containerID)
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) Inspect(context.Context, string) (*runtime.ContainerState, error) {
	return nil, runtime.ErrNotFound
}

func (f *fakeRuntime) ListManaged(context.Context) ([]runtime.ContainerState, error) {
	return nil, nil
}

// recordingReporter captures status reports in order.
type recordingReporter struct {
	mu      sync.Mutex
	reports []string // "service/status"
}

func (r *recordingReporter) ReportServiceStatus(service, status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, service+"/"+status)
}

func (r *recordingReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

func startInstruction(service, image string) protocol.DeploymentPayload {
	return protocol.DeploymentPayload{
		Service: service,
		Image:   image,
		Action:  protocol.ActionStart,
	}
}

func TestApplyStart(t *testing.T) {
	rt := newFakeRuntime()
	reporter := &recordingReporter{}
	sup := New(rt, reporter, zap.NewNop())

	sup.Apply(context.Background(), startInstruction("web", "nginx:1.27"))

	record, ok := sup.Record("web")
	require.True(t, ok)
	assert.Equal(t, protocol.ServiceRunning, record.Status)
	assert.NotEmpty(t, record.ContainerID)
	assert.Equal(t, []string{"nginx:1.27"}, rt.pulls)
	assert.Equal(t, []string{"web/pulling", "web/running"}, reporter.all())
}

func TestStartIsIdempotentForUnchangedSpec(t *testing.T) {
	rt := newFakeRuntime()
	reporter := &recordingReporter{}
	sup := New(rt, reporter, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))
	first, _ := sup.Record("web")

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))
	second, _ := sup.Record("web")

	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.Len(t, rt.runs, 1, "unchanged spec does not restart the container")
	// The repeated start still reports current state.
	assert.Equal(t, []string{"web/pulling", "web/running", "web/running"}, reporter.all())
}

func TestStartWithChangedSpecReplacesContainer(t *testing.T) {
	rt := newFakeRuntime()
	sup := New(rt, &recordingReporter{}, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))
	first, _ := sup.Record("web")

	sup.Apply(ctx, startInstruction("web", "nginx:1.28"))
	second, _ := sup.Record("web")

	assert.NotEqual(t, first.ContainerID, second.ContainerID)
	assert.Len(t, rt.runs, 2)
}

func TestStopIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	reporter := &recordingReporter{}
	sup := New(rt, reporter, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))

	stop := protocol.DeploymentPayload{Service: "web", Action: protocol.ActionStop}
	sup.Apply(ctx, stop)
	sup.Apply(ctx, stop)

	record, _ := sup.Record("web")
	assert.Equal(t, protocol.ServiceStopped, record.Status)
}

func TestStopToleratesMissingContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.stopErr = runtime.ErrNotFound
	sup := New(rt, &recordingReporter{}, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))
	sup.Apply(ctx, protocol.DeploymentPayload{Service: "web", Action: protocol.ActionStop})

	record, _ := sup.Record("web")
	assert.Equal(t, protocol.ServiceStopped, record.Status)
}

func TestRestartReusesRecordedSpec(t *testing.T) {
	rt := newFakeRuntime()
	sup := New(rt, &recordingReporter{}, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))

	sup.Apply(ctx, protocol.DeploymentPayload{Service: "web", Action: protocol.ActionRestart})

	record, _ := sup.Record("web")
	assert.Equal(t, protocol.ServiceRunning, record.Status)
	require.Len(t, rt.runs, 2)
	assert.Equal(t, "nginx:1.27", rt.runs[1].Image)
}

func TestPullFailureClassifies(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullErr = fmt.Errorf("pulling nginx: %w", runtime.ErrImagePull)
	reporter := &recordingReporter{}
	sup := New(rt, reporter, zap.NewNop())

	sup.Apply(context.Background(), startInstruction("web", "nginx:broken"))

	record, _ := sup.Record("web")
	assert.Equal(t, protocol.ServiceFailed, record.Status)
	assert.Equal(t, ErrClassImagePull, record.ErrorClass)
	assert.NotEmpty(t, record.LastError)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"image pull", runtime.ErrImagePull, ErrClassImagePull},
		{"wrapped image pull", fmt.Errorf("x: %w", runtime.ErrImagePull), ErrClassImagePull},
		{"engine missing", runtime.ErrUnavailable, ErrClassRuntimeMissing},
		{"deadline", context.DeadlineExceeded, ErrClassNetwork},
		{"disk full", errors.New("write /var: no space left on device"), ErrClassResource},
		{"port taken", errors.New("driver failed: port is already allocated"), ErrClassResource},
		{"unknown", errors.New("something else"), ErrClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRestartViaAdminUnknownService(t *testing.T) {
	sup := New(newFakeRuntime(), &recordingReporter{}, zap.NewNop())
	assert.False(t, sup.Restart(context.Background(), "ghost"))
}

func TestLatestInstructionWins(t *testing.T) {
	rt := newFakeRuntime()
	sup := New(rt, &recordingReporter{}, zap.NewNop())
	ctx := context.Background()

	sup.Apply(ctx, startInstruction("web", "nginx:1.27"))
	sup.Apply(ctx, protocol.DeploymentPayload{Service: "web", Action: protocol.ActionStop})
	sup.Apply(ctx, startInstruction("web", "nginx:1.28"))

	record, _ := sup.Record("web")
	assert.Equal(t, protocol.ServiceRunning, record.Status)
	assert.Equal(t, "nginx:1.28", rt.runs[len(rt.runs)-1].Image)
}
