// Package mqtt is the built-in MQTT integration: it connects to a
// broker at setup, exposes the mqtt.publish service and tracks the
// connection through the mqtt.connected entity.
package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openhearth/hearth-core/internal/core"
	"github.com/openhearth/hearth-core/internal/loader"
)

// Domain is the integration domain.
const Domain = "mqtt"

const (
	defaultBroker  = "tcp://localhost:1883"
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	connectedEntity = "mqtt.connected"
)

// brokerClient is the slice of the paho client the integration uses.
type brokerClient interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// newClient builds the broker client; replaced in tests.
var newClient = func(opts *pahomqtt.ClientOptions) brokerClient {
	return pahomqtt.NewClient(opts)
}

// Manifest describes the integration.
func Manifest() loader.Manifest {
	return loader.Manifest{
		Domain: Domain,
		Name:   "MQTT",
	}
}

// Register adds the integration to the registry.
func Register(registry *loader.Registry) error {
	return registry.Register(Manifest(), &Component{})
}

// Component implements the mqtt integration.
type Component struct {
	client brokerClient
}

// Setup connects to the configured broker, registers the publish
// service and starts tracking connectivity.
//
// Config keys: broker (url), client_id, username, password.
func (c *Component) Setup(ctx context.Context, ctrl *core.Controller, conf map[string]any) error {
	broker, _ := conf["broker"].(string)
	if broker == "" {
		broker = defaultBroker
	}
	clientID, _ := conf["client_id"].(string)
	if clientID == "" {
		clientID = "hearth"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if username, ok := conf["username"].(string); ok {
		opts.SetUsername(username)
	}
	if password, ok := conf["password"].(string); ok {
		opts.SetPassword(password)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.setConnected(ctrl, "on")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(ctrl, "off")
	})

	client := newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}
	c.client = client

	if _, err := ctrl.States().Set(connectedEntity, "on", map[string]any{
		"broker": broker,
	}, false, core.Context{}); err != nil {
		return err
	}

	if err := ctrl.Services().Register(Domain, "publish", c.handlePublish, nil); err != nil {
		return err
	}

	// Disconnect during stage 1 so in-flight publishes still drain.
	if _, err := ctrl.Bus().Listen(core.EventHearthStop,
		func(context.Context, core.Event) error {
			c.setConnected(ctrl, "off")
			client.Disconnect(uint(publishTimeout.Milliseconds()))
			return nil
		}); err != nil {
		return err
	}
	return nil
}

func (c *Component) setConnected(ctrl *core.Controller, state string) {
	// Reconnect handlers can fire after shutdown; a closed loop is
	// not worth surfacing here.
	_, _ = ctrl.States().Set(connectedEntity, state, nil, false, core.Context{})
}

// handlePublish services mqtt.publish. Data keys: topic (required),
// payload, qos, retain.
func (c *Component) handlePublish(ctx context.Context, call core.ServiceCall) error {
	topic, _ := call.Data["topic"].(string)
	if topic == "" {
		return fmt.Errorf("mqtt: publish requires a topic")
	}
	payload := call.Data["payload"]
	if payload == nil {
		payload = ""
	}
	qos := byte(0)
	switch v := call.Data["qos"].(type) {
	case int:
		qos = byte(v)
	case float64:
		qos = byte(v)
	}
	retain, _ := call.Data["retain"].(bool)

	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}
