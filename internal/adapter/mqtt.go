package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttKeepAlive      = 15 * time.Second
	mqttQoS            = 1
)

// MQTTAdapter publishes commands to the robot's topic at QoS 1 and collects
// replies on a single reply topic unique to this process. Correlation is by
// command_id; the request document carries reply_to so robots know where to
// answer. The broker connection is dialed on first dispatch and kept alive
// with auto-reconnect; the reply subscription is restored on every reconnect.
type MQTTAdapter struct {
	broker     string
	replyTopic string
	clientID   string
	logger     *zap.Logger

	mu      sync.Mutex
	client  mqtt.Client
	pending map[string]chan wireReply
}

// NewMQTT builds the adapter for a broker URL (tcp://host:1883). The caller
// must not register the adapter when no broker is configured.
func NewMQTT(brokerURL string, logger *zap.Logger) *MQTTAdapter {
	id := uuid.NewString()[:8]
	return &MQTTAdapter{
		broker:     brokerURL,
		replyTopic: fmt.Sprintf("robot-console/reply/%s", id),
		clientID:   "robot-console-" + id,
		logger:     logger,
		pending:    make(map[string]chan wireReply),
	}
}

func (a *MQTTAdapter) Protocol() model.Protocol { return model.ProtocolMQTT }

func (a *MQTTAdapter) Dispatch(ctx context.Context, msg *model.Message, robot *model.Robot) (json.RawMessage, error) {
	client, err := a.ensureConnected()
	if err != nil {
		return nil, err
	}

	body, err := buildRequest(msg, a.replyTopic)
	if err != nil {
		return nil, err
	}

	ch := make(chan wireReply, 1)
	a.addPending(msg.ID, ch)
	defer a.removePending(msg.ID)

	token := client.Publish(robot.Endpoint, mqttQoS, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, errcode.Wrap(errcode.CodeProtocol, err, "publish failed").
				WithDetail("topic", robot.Endpoint)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errcode.Wrap(errcode.CodeTimeout, ctx.Err(), "publish did not complete in time")
		}
		return nil, ctx.Err()
	}

	return awaitReply(ctx, ch)
}

// ensureConnected dials the broker on first use and returns a usable client.
// The initial reply subscription happens here synchronously so the first
// publish cannot outrun it; the OnConnect handler re-subscribes after any
// reconnect.
func (a *MQTTAdapter) ensureConnected() (mqtt.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil && a.client.IsConnectionOpen() {
		return a.client, nil
	}

	if a.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(a.broker).
			SetClientID(a.clientID).
			SetCleanSession(true).
			SetKeepAlive(mqttKeepAlive).
			SetAutoReconnect(true).
			SetConnectTimeout(mqttConnectTimeout).
			SetOrderMatters(false)
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(a.replyTopic, mqttQoS, a.onReply); token.Wait() && token.Error() != nil {
				a.logger.Error("mqtt reply subscription failed",
					zap.String("topic", a.replyTopic),
					zap.Error(token.Error()))
			}
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.logger.Warn("mqtt connection lost", zap.Error(err))
		})
		a.client = mqtt.NewClient(opts)
	}

	token := a.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errcode.New(errcode.CodeProtocol, "broker connect timed out").
			WithDetail("broker", a.broker)
	}
	if err := token.Error(); err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "broker connect failed").
			WithDetail("broker", a.broker)
	}

	sub := a.client.Subscribe(a.replyTopic, mqttQoS, a.onReply)
	if !sub.WaitTimeout(mqttConnectTimeout) {
		return nil, errcode.New(errcode.CodeProtocol, "reply subscription timed out").
			WithDetail("topic", a.replyTopic)
	}
	if err := sub.Error(); err != nil {
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "subscribe reply topic").
			WithDetail("topic", a.replyTopic)
	}
	return a.client, nil
}

func (a *MQTTAdapter) onReply(_ mqtt.Client, m mqtt.Message) {
	data := make([]byte, len(m.Payload()))
	copy(data, m.Payload())

	var probe struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.CommandID == "" {
		a.logger.Debug("discarding unparseable mqtt reply", zap.Error(err))
		return
	}

	a.mu.Lock()
	ch, ok := a.pending[probe.CommandID]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("mqtt reply for unknown command", zap.String("command_id", probe.CommandID))
		return
	}
	select {
	case ch <- wireReply{data: data}:
	default:
	}
}

func (a *MQTTAdapter) addPending(id string, ch chan wireReply) {
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
}

func (a *MQTTAdapter) removePending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *MQTTAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	if a.client.IsConnectionOpen() {
		a.client.Unsubscribe(a.replyTopic).WaitTimeout(time.Second)
	}
	a.client.Disconnect(250)
	a.client = nil
	return nil
}
