package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/vigil/internal/config"
	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

// Entity suffixes used in topics, object IDs and unique IDs.
const (
	EntityAlert         = "alert"
	EntityLastResult    = "last_result"
	EntityLastEvent     = "last_event"
	EntityAnalysesToday = "analyses_today"
	EntityTrigger       = "trigger"
)

// maxStateLen is Home Assistant's limit on entity state length.
const maxStateLen = 255

// StateReader reads the persisted state surface. *surface.Surface
// satisfies it.
type StateReader interface {
	Get(ctx context.Context, namespace, key string) (string, error)
}

// Options wires a Publisher.
type Options struct {
	State    StateReader
	Commands Commander
	Bus      *events.Bus
	Location *time.Location
	Logger   *slog.Logger
}

// Publisher owns the broker connection.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	state      StateReader
	bus        *events.Bus
	loc        *time.Location
	counter    *DailyCounter
	commands   *commandHandler
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// message is one outbound publish.
type message struct {
	topic   string
	payload []byte
}

// New creates a Publisher but does not connect.
func New(cfg config.MQTTConfig, instanceID string, opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	if opts.Location == nil {
		opts.Location = time.Local
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		state:      opts.State,
		bus:        opts.Bus,
		loc:        opts.Location,
		counter:    NewDailyCounter(opts.Location),
		logger:     logger,
	}
	if opts.Commands != nil {
		p.commands = &commandHandler{
			cmd:     opts.Commands,
			limiter: newMessageRateLimiter(10, time.Minute, logger),
			logger:  logger,
		}
	}
	return p
}

// Start connects and mirrors state until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
			p.publishSnapshot(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "vigil-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if p.commands == nil || pr.Packet.Topic != p.commandTopic() {
						return false, nil
					}
					p.commands.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	if p.commands != nil {
		go p.commands.limiter.start(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.mirror(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up. It serves
// as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "vigil/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/" + EntityTrigger + "/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type entityDef struct {
	component string
	suffix    string
	config    EntityConfig
}

func (p *Publisher) entityDefinitions() []entityDef {
	base := func(suffix, name, icon string) EntityConfig {
		return EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		}
	}

	alert := base(EntityAlert, "Alert", "mdi:alert")
	alert.DeviceClass = "problem"
	alert.PayloadOn, alert.PayloadOff = "ON", "OFF"

	result := base(EntityLastResult, "Last Analysis", "mdi:text-box-outline")
	result.JsonAttributesTopic = p.attributesTopic(EntityLastResult)

	event := base(EntityLastEvent, "Last Event", "mdi:motion-sensor")
	event.JsonAttributesTopic = p.attributesTopic(EntityLastEvent)

	today := base(EntityAnalysesToday, "Analyses Today", "mdi:counter")
	today.StateClass = "total_increasing"
	today.JsonAttributesTopic = p.attributesTopic(EntityAnalysesToday)

	button := base(EntityTrigger, "Analyze Now", "mdi:play-circle")
	button.StateTopic = ""
	button.CommandTopic = p.commandTopic()
	button.PayloadPress = "PRESS"

	return []entityDef{
		{"binary_sensor", EntityAlert, alert},
		{"sensor", EntityLastResult, result},
		{"sensor", EntityLastEvent, event},
		{"sensor", EntityAnalysesToday, today},
		{"button", EntityTrigger, button},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, d := range p.entityDefinitions() {
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", d.suffix, "error", err)
			continue
		}
		topic := p.discoveryTopic(d.component, d.suffix)
		if err := publish(ctx, cm, message{topic, payload}, 1); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", d.suffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", d.suffix, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := publish(ctx, cm, message{p.availabilityTopic(), []byte(status)}, 1); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.commands == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
		return
	}
	p.logger.Info("mqtt subscribed to commands", "topic", p.commandTopic())
}

// publishSnapshot publishes every entity's current state from the
// persisted surface.
func (p *Publisher) publishSnapshot(ctx context.Context, cm *autopaho.ConnectionManager) {
	var msgs []message
	if p.state != nil {
		for _, k := range []struct{ ns, key string }{
			{surface.NamespaceAnalysis, surface.KeyIsAlert},
			{surface.NamespaceAnalysis, surface.KeyLastResult},
			{surface.NamespaceEvents, surface.KeyLastEvent},
		} {
			value, err := p.state.Get(ctx, k.ns, k.key)
			if err != nil {
				p.logger.Debug("mqtt snapshot read failed", "namespace", k.ns, "key", k.key, "error", err)
				continue
			}
			msgs = append(msgs, p.stateSetMessages(k.ns, k.key, value)...)
		}
	}
	msgs = append(msgs, p.counterMessages()...)
	p.publishAll(ctx, cm, msgs)
}

// mirror forwards bus events until ctx is cancelled.
func (p *Publisher) mirror(ctx context.Context) {
	if p.bus == nil {
		<-ctx.Done()
		return
	}
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publishAll(ctx, p.cm, p.eventMessages(ev))
		}
	}
}

func (p *Publisher) publishAll(ctx context.Context, cm *autopaho.ConnectionManager, msgs []message) {
	for _, m := range msgs {
		if err := publish(ctx, cm, m, 0); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", m.topic, "error", err)
		}
	}
}

func publish(ctx context.Context, cm *autopaho.ConnectionManager, m message, qos byte) error {
	if cm == nil {
		return errors.New("not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := cm.Publish(ctx, &paho.Publish{Topic: m.topic, Payload: m.payload, QoS: qos, Retain: true})
	return err
}

// eventMessages maps a bus event to the publishes it causes.
func (p *Publisher) eventMessages(ev events.Event) []message {
	switch ev.Kind {
	case events.KindStateSet:
		ns, _ := ev.Data["namespace"].(string)
		key, _ := ev.Data["key"].(string)
		value, _ := ev.Data["value"].(string)
		return p.stateSetMessages(ns, key, value)
	case events.KindRunComplete:
		alert, _ := ev.Data["alert"].(bool)
		p.counter.Record(alert)
		return p.counterMessages()
	}
	return nil
}

// stateSetMessages maps one surface write to entity state.
func (p *Publisher) stateSetMessages(namespace, key, value string) []message {
	switch {
	case namespace == surface.NamespaceAnalysis && key == surface.KeyIsAlert:
		state := "OFF"
		if b, err := strconv.ParseBool(value); err == nil && b {
			state = "ON"
		}
		return []message{{p.stateTopic(EntityAlert), []byte(state)}}

	case namespace == surface.NamespaceAnalysis && key == surface.KeyLastResult:
		attrs, _ := json.Marshal(map[string]any{"text": value, "updated": time.Now().In(p.loc).Format(time.RFC3339)})
		return []message{
			{p.stateTopic(EntityLastResult), []byte(truncate(value, maxStateLen))},
			{p.attributesTopic(EntityLastResult), attrs},
		}

	case namespace == surface.NamespaceEvents && key == surface.KeyLastEvent:
		var rec sensor.Record
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil
		}
		return []message{
			{p.stateTopic(EntityLastEvent), []byte(truncate(sensor.FormatSlot(rec, p.loc), maxStateLen))},
			{p.attributesTopic(EntityLastEvent), []byte(value)},
		}
	}
	return nil
}

func (p *Publisher) counterMessages() []message {
	runs, alerts := p.counter.Snapshot()
	attrs, _ := json.Marshal(map[string]int64{"alerts": alerts})
	return []message{
		{p.stateTopic(EntityAnalysesToday), []byte(strconv.FormatInt(runs, 10))},
		{p.attributesTopic(EntityAnalysesToday), attrs},
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
