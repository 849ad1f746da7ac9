package gpu

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patternforge/internal/metrics"
)

// AvailabilityState is the caller-facing readiness of the remote worker.
type AvailabilityState string

const (
	StateReady       AvailabilityState = "ready"
	StateStarting    AvailabilityState = "starting"
	StateUnavailable AvailabilityState = "unavailable"
)

// Availability is the result of an EnsureAvailable call.
type Availability struct {
	State   AvailabilityState
	URL     string
	Message string
}

// InstanceAPI is the slice of the cloud client the controller needs.
type InstanceAPI interface {
	Instance(ctx context.Context) (*Instance, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Controller manages the single remote GPU instance: querying its state,
// bringing it up on demand without duplicate start commands, and probing the
// worker process inside it. It never blocks waiting for a boot; callers are
// expected to leave jobs queued while the instance comes up.
type Controller struct {
	api         InstanceAPI
	probeClient *http.Client
	logger      zerolog.Logger
	guardWindow time.Duration

	mu         sync.Mutex
	startedAt  time.Time
	lastActive time.Time
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	API InstanceAPI
	// ProbeTimeout bounds the worker health probe. Defaults to 10s.
	ProbeTimeout time.Duration
	// GuardWindow suppresses repeat start commands while the provider still
	// reports the instance stopped after a start was issued. Defaults to 90s.
	GuardWindow time.Duration
	Logger      zerolog.Logger
}

// NewController creates a Controller.
func NewController(opts ControllerOptions) *Controller {
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	guardWindow := opts.GuardWindow
	if guardWindow <= 0 {
		guardWindow = 90 * time.Second
	}
	return &Controller{
		api:         opts.API,
		probeClient: &http.Client{Timeout: probeTimeout},
		logger:      opts.Logger,
		guardWindow: guardWindow,
	}
}

// EnsureAvailable queries the instance and, when it is stopped, requests a
// start. It returns immediately in every case: ready with the worker URL,
// starting while the instance or the worker inside it is still coming up, or
// unavailable when the control plane cannot be trusted. Cheap and safe to
// call on every dispatch attempt, concurrently.
func (c *Controller) EnsureAvailable(ctx context.Context) Availability {
	inst, err := c.api.Instance(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("gpu: instance query failed")
		return Availability{State: StateUnavailable, Message: "instance state unavailable"}
	}
	if inst == nil {
		return Availability{State: StateUnavailable, Message: "instance not found"}
	}

	switch inst.Status {
	case StatusRunning:
		c.clearStartGuard()
		url := inst.WorkerURL()
		if url == "" {
			return Availability{State: StateStarting, Message: "instance has no routable address yet"}
		}
		if c.workerHealthy(ctx, url) {
			return Availability{State: StateReady, URL: url, Message: "worker ready"}
		}
		return Availability{State: StateStarting, Message: "worker initializing"}

	case StatusStarting:
		return Availability{State: StateStarting, Message: "instance starting"}

	case StatusStopped:
		if !c.shouldIssueStart() {
			return Availability{State: StateStarting, Message: "start already requested"}
		}
		if err := c.api.Start(ctx); err != nil {
			c.resetStartGuard()
			c.logger.Error().Err(err).Msg("gpu: start request failed")
			return Availability{State: StateUnavailable, Message: "start request failed"}
		}
		metrics.GPUStarts.Inc()
		c.logger.Info().Str("gpu", inst.GPUName).Msg("gpu: start requested")
		return Availability{State: StateStarting, Message: "instance start requested"}

	case StatusStopping:
		return Availability{State: StateUnavailable, Message: "instance stopping"}

	default:
		return Availability{State: StateUnavailable, Message: "instance state unknown"}
	}
}

// MarkActive records worker activity, deferring idle shutdown.
func (c *Controller) MarkActive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastActive) {
		c.lastActive = now
	}
}

// StopIfIdle shuts the instance down when it is running and nothing has been
// dispatched within idleTimeout. Returns true when a stop was issued.
func (c *Controller) StopIfIdle(ctx context.Context, idleTimeout time.Duration) bool {
	c.mu.Lock()
	lastActive := c.lastActive
	c.mu.Unlock()
	if lastActive.IsZero() || time.Since(lastActive) < idleTimeout {
		return false
	}

	inst, err := c.api.Instance(ctx)
	if err != nil || inst == nil || inst.Status != StatusRunning {
		return false
	}
	if err := c.api.Stop(ctx); err != nil {
		c.logger.Error().Err(err).Msg("gpu: idle stop failed")
		return false
	}
	c.logger.Info().Dur("idle", time.Since(lastActive)).Msg("gpu: idle instance stopped")
	c.mu.Lock()
	c.lastActive = time.Time{}
	c.startedAt = time.Time{}
	c.mu.Unlock()
	return true
}

// shouldIssueStart reports whether a start command may be sent, and reserves
// the guard window when it may. The window covers the gap between issuing a
// start and the provider reporting anything other than stopped, so stacked
// dispatch attempts do not fire duplicate start requests.
func (c *Controller) shouldIssueStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.startedAt.IsZero() && time.Since(c.startedAt) < c.guardWindow {
		return false
	}
	c.startedAt = time.Now()
	return true
}

func (c *Controller) resetStartGuard() {
	c.mu.Lock()
	c.startedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) clearStartGuard() {
	c.mu.Lock()
	if !c.startedAt.IsZero() {
		c.startedAt = time.Time{}
	}
	c.mu.Unlock()
}

// workerHealthy probes the worker's health endpoint. Any failure means "not
// yet ready", never a fatal error.
func (c *Controller) workerHealthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}
