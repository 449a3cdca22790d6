// Package telemetry optionally publishes periodic Robot.Status()
// snapshots to an MQTT broker for external monitoring. It is a one-way
// status feed with no command channel and no UI, supplementing (not
// reimplementing) the excluded web dashboard. Grounded on
// Sioux-Steel-Solutions-raptor-core's Snapshot-publish loop.
package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/robot"
)

// StatusSource is the subset of robot.Robot telemetry needs.
type StatusSource interface {
	Status() robot.Status
}

// Publisher periodically marshals and publishes robot status snapshots.
type Publisher struct {
	cfg    config.TelemetryConfig
	source StatusSource
	client mqtt.Client
}

// New constructs a Publisher. Connect must be called before Run.
func New(cfg config.TelemetryConfig, source StatusSource) *Publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	return &Publisher{cfg: cfg, source: source, client: mqtt.NewClient(opts)}
}

// Connect opens the MQTT connection.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	token.Wait()
	return token.Error()
}

// Run publishes a status snapshot every PublishEvery until ctx is
// cancelled.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.cfg.PublishEvery
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *Publisher) publishOnce() {
	snap := p.source.Status()
	body, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[telemetry] marshal error: %v", err)
		return
	}
	tok := p.client.Publish(p.cfg.Topic, 1, false, body)
	if tok.Wait() && tok.Error() != nil {
		log.Printf("[telemetry] publish error: %v", tok.Error())
	}
}
