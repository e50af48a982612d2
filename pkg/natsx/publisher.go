package natsx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// EventSource is the subject source token and CloudEvent source of Umpire.
const EventSource = "umpire"

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DeployPublisher publishes every deploy transition as a CloudEvent.
type DeployPublisher struct {
	pub Publisher
	log zerolog.Logger
}

// NewDeployPublisher creates a DeployPublisher on pub.
func NewDeployPublisher(pub Publisher) *DeployPublisher {
	return &DeployPublisher{
		pub: pub,
		log: log.With().Str("component", "natsx").Logger(),
	}
}

// DeployEvent builds the CloudEvent for a transition.
func DeployEvent(t deploy.Transition) schemas.CloudEvent {
	data := map[string]any{
		"deploy_id":    t.DeployID,
		"config_key":   string(t.ConfigKey),
		"original_key": string(t.OriginalKey),
		"from":         string(t.Previous),
	}
	if t.Outcome != "" {
		data["outcome"] = string(t.Outcome)
	}
	if t.Err != nil {
		data["error"] = t.Err.Error()
	}
	ev := schemas.NewCloudEvent(EventSource, "umpire.deploy."+string(t.State), string(t.ConfigKey), data)
	ev.Time = t.At.UTC().Format(time.RFC3339Nano)
	ev.CorrelationID = t.DeployID
	return ev
}

// ObserveDeploy implements deploy.Observer. Publish failures are logged.
func (p *DeployPublisher) ObserveDeploy(t deploy.Transition) {
	if err := p.publish(t); err != nil {
		p.log.Error().Err(err).Str("deploy_id", t.DeployID).Str("state", string(t.State)).Msg("failed to publish deploy event")
	}
}

func (p *DeployPublisher) publish(t deploy.Transition) error {
	subject, err := DeploySubject(string(t.State))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(DeployEvent(t))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
