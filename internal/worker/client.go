package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"patternforge/internal/domain"
)

// Client pushes jobs to the remote GPU worker's async-generate endpoint. The
// worker reports back through the webhook, so a push only hands the job over;
// it never waits for generation to finish.
type Client struct {
	secret     string
	webhookURL string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Options configures a worker client.
type Options struct {
	// Secret authenticates both directions of worker traffic.
	Secret string
	// WebhookURL is the callback address included in every push.
	WebhookURL string
	// PushTimeout bounds the handoff. Seconds, not minutes: a slow worker
	// degrades to "job stays queued", never to a hung request.
	PushTimeout time.Duration
	Logger      zerolog.Logger
}

// NewClient creates a worker client.
func NewClient(opts Options) *Client {
	timeout := opts.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		secret:     opts.Secret,
		webhookURL: opts.WebhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     opts.Logger,
	}
}

type pushPayload struct {
	JobID       string  `json:"job_id"`
	ImageBase64 string  `json:"image_base64"`
	Prompt      string  `json:"prompt"`
	Seed        *int64  `json:"seed,omitempty"`
	Guidance    float64 `json:"guidance"`
	Denoise     float64 `json:"denoise"`
	Steps       int     `json:"steps"`
	WebhookURL  string  `json:"webhook_url"`
}

// PushJob hands one job to the worker at baseURL. Any error is a transient
// infrastructure error: the caller logs it and leaves the job queued.
func (c *Client) PushJob(ctx context.Context, baseURL string, job *domain.Job) error {
	payload := pushPayload{
		JobID:       job.ID,
		ImageBase64: job.Input.ImageData,
		Prompt:      job.Input.Prompt,
		Seed:        job.Input.Settings.Seed,
		Guidance:    job.Input.Settings.Guidance,
		Denoise:     job.Input.Settings.Denoise,
		Steps:       job.Input.Settings.Steps,
		WebhookURL:  c.webhookURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("worker: encode push: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/generate/async"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker: push job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("worker: push job: unexpected status %d", resp.StatusCode)
	}
	c.logger.Debug().Str("job_id", job.ID).Msg("worker: job pushed")
	return nil
}
