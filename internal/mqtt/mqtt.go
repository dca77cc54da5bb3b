package mqtt

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// NewMQTTClient creates an MQTT client
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// Commander publishes device commands over MQTT
type Commander struct {
	client mqtt.Client
}

// NewCommander creates a Commander on an established client
func NewCommander(client mqtt.Client) *Commander {
	return &Commander{client: client}
}

// PublishCommand sends a command payload to a device's command topic
func (c *Commander) PublishCommand(deviceID string, payload []byte) error {
	topic := fmt.Sprintf("devices/%s/commands", deviceID)
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}
