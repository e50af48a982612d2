//go:build integration

package natsx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	natstc "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

func TestDeployPublisherNATS(t *testing.T) {
	ctx := context.Background()
	ctr, err := natstc.Run(ctx, "nats:2.10")
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("umpire.events.deploy.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := NewDeployPublisher(nc)
	p.ObserveDeploy(deploy.Transition{DeployID: "d1", State: deploy.StateActive, Outcome: deploy.OutcomeSuccess, At: time.Now()})
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	if msg.Subject != "umpire.events.deploy.active" {
		t.Errorf("subject = %q", msg.Subject)
	}
	var ev schemas.CloudEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "umpire.deploy.active" || ev.Data["deploy_id"] != "d1" {
		t.Errorf("event = %+v", ev)
	}
}
