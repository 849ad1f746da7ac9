package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InstanceStatus is the infrastructure-level state of the rented instance.
type InstanceStatus string

const (
	StatusRunning  InstanceStatus = "running"
	StatusStopped  InstanceStatus = "stopped"
	StatusStarting InstanceStatus = "starting"
	StatusStopping InstanceStatus = "stopping"
	StatusUnknown  InstanceStatus = "unknown"
)

// Instance describes the single rented GPU instance.
type Instance struct {
	ID          string
	Status      InstanceStatus
	PublicIP    string
	Port        int
	GPUName     string
	CostPerHour float64
}

// WorkerURL is the base URL of the worker process inside the instance, or
// empty while the instance has no routable address.
func (i *Instance) WorkerURL() string {
	if i == nil || i.PublicIP == "" {
		return ""
	}
	port := i.Port
	if port == 0 {
		port = defaultWorkerPort
	}
	return fmt.Sprintf("http://%s:%d", i.PublicIP, port)
}

const defaultWorkerPort = 8000

// Client talks to the cloud-rental REST API for one reserved instance.
type Client struct {
	baseURL    string
	apiKey     string
	instanceID string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	InstanceID string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a cloud-rental API client.
func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.InstanceID) == "" {
		return nil, fmt.Errorf("gpu: instance id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		instanceID: opts.InstanceID,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

type instancesResponse struct {
	Instances []instancePayload `json:"instances"`
}

type instancePayload struct {
	ID           json.Number              `json:"id"`
	ActualStatus string                   `json:"actual_status"`
	PublicIP     string                   `json:"public_ipaddr"`
	Ports        map[string][]portBinding `json:"ports"`
	GPUName      string                   `json:"gpu_name"`
	CostPerHour  float64                  `json:"dph_total"`
}

type portBinding struct {
	HostPort string `json:"HostPort"`
}

// Instance fetches the reserved instance's current state. A nil instance with
// nil error means the provider no longer lists it.
func (c *Client) Instance(ctx context.Context) (*Instance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances/", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gpu: list instances: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gpu: list instances: unexpected status %d", resp.StatusCode)
	}

	var payload instancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("gpu: decode instances: %w", err)
	}
	for _, inst := range payload.Instances {
		if inst.ID.String() != c.instanceID {
			continue
		}
		return &Instance{
			ID:          inst.ID.String(),
			Status:      mapStatus(inst.ActualStatus),
			PublicIP:    inst.PublicIP,
			Port:        workerPort(inst.Ports),
			GPUName:     inst.GPUName,
			CostPerHour: inst.CostPerHour,
		}, nil
	}
	return nil, nil
}

// Start requests the instance be brought up. The provider treats the request
// as idempotent, so issuing it against an already-running instance is safe.
func (c *Client) Start(ctx context.Context) error {
	return c.setState(ctx, "running")
}

// Stop requests the instance be shut down; storage is retained.
func (c *Client) Stop(ctx context.Context) error {
	return c.setState(ctx, "stopped")
}

func (c *Client) setState(ctx context.Context, state string) error {
	body := strings.NewReader(fmt.Sprintf(`{"state":%q}`, state))
	url := fmt.Sprintf("%s/instances/%s/", c.baseURL, c.instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gpu: set state %s: %w", state, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("gpu: set state %s: unexpected status %d", state, resp.StatusCode)
	}
	c.logger.Info().Str("instance_id", c.instanceID).Str("state", state).Msg("gpu: instance state requested")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func mapStatus(actual string) InstanceStatus {
	switch strings.ToLower(actual) {
	case "running":
		return StatusRunning
	case "stopped", "inactive", "exited":
		return StatusStopped
	case "loading":
		return StatusStarting
	case "stopping":
		return StatusStopping
	default:
		return StatusUnknown
	}
}

func workerPort(ports map[string][]portBinding) int {
	bindings := ports[fmt.Sprintf("%d/tcp", defaultWorkerPort)]
	if len(bindings) == 0 {
		return defaultWorkerPort
	}
	if port, err := strconv.Atoi(bindings[0].HostPort); err == nil && port > 0 {
		return port
	}
	return defaultWorkerPort
}
