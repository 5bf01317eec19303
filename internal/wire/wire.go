// Package wire assembles the optional subsystems of the server binary
// from configuration. Required components wire directly in main; what
// lives here is the glue that picks a fallback when a subsystem is not
// configured, and the readiness checks the API reports on /readyz.
package wire

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/notify"
	"github.com/dispatchd/dispatchd/internal/output"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/pkg/health"
)

// NewOutputStore returns the persister's output store for the configured
// storage. With no bucket configured every output stays inline on the
// instance row and the returned archive is nil.
func NewOutputStore(cfg config.StorageConfig, logger *slog.Logger) (scheduler.OutputStore, *output.Archive, error) {
	if cfg.Bucket == "" {
		return scheduler.InlineOutputStore{}, nil, nil
	}

	archive, err := output.NewArchive(output.Config{
		Endpoint:        cfg.Endpoint,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UseSSL:          cfg.UseSSL,
		InlineLimit:     cfg.InlineLimit,
		URLExpiry:       cfg.URLExpiry,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return archive, archive, nil
}

// NotifyConfig translates the environment configuration into the
// notification service's channel set. A channel whose URL is unset is
// left out; with no URLs set at all the service stays disabled.
func NotifyConfig(cfg *config.Config) notify.Config {
	nc := notify.DefaultConfig()
	if cfg.Notify.Workers > 0 {
		nc.Workers = cfg.Notify.Workers
	}
	if cfg.Notify.QueueSize > 0 {
		nc.QueueSize = cfg.Notify.QueueSize
	}
	if cfg.Notify.ThrottleWindow > 0 {
		nc.ThrottleWindow = cfg.Notify.ThrottleWindow
	}
	nc.BaseURL = cfg.Server.BaseURL

	if cfg.Notify.SlackWebhookURL != "" {
		nc.Channels = append(nc.Channels, notify.ChannelConfig{
			Name: "slack",
			Kind: notify.ChannelKindSlack,
			Slack: notify.SlackConfig{
				WebhookURL: cfg.Notify.SlackWebhookURL,
				Channel:    cfg.Notify.SlackChannel,
			},
		})
	}
	if cfg.Notify.WebhookURL != "" {
		nc.Channels = append(nc.Channels, notify.ChannelConfig{
			Name: "webhook",
			Kind: notify.ChannelKindWebhook,
			Webhook: notify.WebhookConfig{
				URL:    cfg.Notify.WebhookURL,
				Secret: cfg.Notify.WebhookSecret,
			},
		})
	}

	return nc
}

// DatabaseCheck reports readiness of the PostgreSQL pool.
type DatabaseCheck struct {
	db *database.DB
}

// NewDatabaseCheck creates a readiness check for the database.
func NewDatabaseCheck(db *database.DB) *DatabaseCheck {
	return &DatabaseCheck{db: db}
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Check(ctx context.Context) error {
	return c.db.Health(ctx)
}

// ArchiveCheck reports the output archive's reachability. An unreachable
// archive degrades the replica instead of failing it: tasks keep running,
// oversized output just stays truncated inline until storage returns.
type ArchiveCheck struct {
	archive *output.Archive
}

// NewArchiveCheck creates a readiness check for the output archive.
func NewArchiveCheck(archive *output.Archive) *ArchiveCheck {
	return &ArchiveCheck{archive: archive}
}

func (c *ArchiveCheck) Name() string { return "storage" }

func (c *ArchiveCheck) Check(ctx context.Context) error {
	return c.archive.HealthCheck(ctx)
}

func (c *ArchiveCheck) CheckDetailed(ctx context.Context) health.Result {
	res := health.Result{Name: c.Name(), Status: health.StatusHealthy}
	if err := c.archive.HealthCheck(ctx); err != nil {
		res.Status = health.StatusDegraded
		res.Message = err.Error()
	}
	return res
}

// GatewayCheck reports how many agents hold a live websocket on this
// replica. It never fails the probe: zero connections is a valid state
// for a fresh replica behind a load balancer.
type GatewayCheck struct {
	registry *gateway.Registry
}

// NewGatewayCheck creates a readiness check for the agent gateway.
func NewGatewayCheck(registry *gateway.Registry) *GatewayCheck {
	return &GatewayCheck{registry: registry}
}

func (c *GatewayCheck) Name() string { return "agents" }

func (c *GatewayCheck) Check(ctx context.Context) error { return nil }

func (c *GatewayCheck) CheckDetailed(ctx context.Context) health.Result {
	return health.Result{
		Name:   c.Name(),
		Status: health.StatusHealthy,
		Details: map[string]string{
			"connected": strconv.Itoa(c.registry.OnlineCount()),
		},
	}
}
