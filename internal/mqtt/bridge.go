package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/voicetask/internal/buildinfo"
	"github.com/nugget/voicetask/internal/config"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/voicetask"
)

const (
	statusInterval = time.Minute
	eventBuffer    = 256
	inboxSize      = 32
)

// DefaultEvents are published when the config names none.
var DefaultEvents = []events.Kind{
	events.KindClassified, events.KindQueued, events.KindStarted,
	events.KindCompleted, events.KindFailed, events.KindRetry,
	events.KindDeadletter, events.KindCancelled, events.KindTimeout,
	events.KindNoAgent, events.KindDropped, events.KindRejected,
	events.KindUndo,
}

// SDK is the part of the voicetask handle the bridge drives.
type SDK interface {
	Ingest(ctx context.Context, transcript string) (*model.Task, error)
	StartListening()
	StopListening()
	IsListening() bool
	RunningTasks() []string
	AllQueueStats() []model.QueueStats
	Subscribe(buf int) <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
}

// publisher is satisfied by [autopaho.ConnectionManager].
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Status is the retained document on <base>/status.
type Status struct {
	InstanceID   string             `json:"instance_id"`
	Version      string             `json:"version"`
	Uptime       string             `json:"uptime"`
	Listening    bool               `json:"listening"`
	RunningTasks int                `json:"running_tasks"`
	Queues       []model.QueueStats `json:"queues"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Bridge connects an SDK to an MQTT broker.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	sdk        SDK
	logger     *slog.Logger
	kinds      map[events.Kind]bool
	limiter    *messageRateLimiter
	inbox      chan inbound

	mu sync.Mutex
	cm publisher
}

type inbound struct {
	text   string
	source string
}

// New creates a Bridge but does not connect. Unknown event kinds in
// cfg.Events are an error; "*" selects every kind.
func New(cfg config.MQTTConfig, instanceID string, sdk SDK, logger *slog.Logger) (*Bridge, error) {
	kinds, err := eventFilter(cfg.Events)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "mqtt")
	b := &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		sdk:        sdk,
		logger:     logger,
		kinds:      kinds,
		inbox:      make(chan inbound, inboxSize),
	}
	if cfg.MaxTranscriptsPerMinute > 0 {
		b.limiter = newMessageRateLimiter(int64(cfg.MaxTranscriptsPerMinute), time.Minute, logger)
	}
	return b, nil
}

func eventFilter(names []string) (map[events.Kind]bool, error) {
	kinds := make(map[events.Kind]bool)
	if len(names) == 0 {
		for _, k := range DefaultEvents {
			kinds[k] = true
		}
		return kinds, nil
	}
	known := make(map[events.Kind]bool, len(events.AllKinds))
	for _, k := range events.AllKinds {
		known[k] = true
	}
	for _, n := range names {
		if n == "*" {
			return known, nil
		}
		k := events.Kind(n)
		if !known[k] {
			return nil, fmt.Errorf("mqtt: unknown event kind %q", n)
		}
		kinds[k] = true
	}
	return kinds, nil
}

// Start connects to the broker and runs the bridge until ctx is
// cancelled. autopaho keeps reconnecting in the background, so a
// broker that is down at startup is not an error.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.subscribe(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
			b.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return b.receive(ctx, pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.run(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm, _ := b.cm.(*autopaho.ConnectionManager)
	b.mu.Unlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// run forwards events and ingests transcripts until ctx is done.
func (b *Bridge) run(ctx context.Context, pub publisher) {
	var wg sync.WaitGroup
	if b.limiter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.limiter.start(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.ingestLoop(ctx)
	}()
	defer wg.Wait()

	evCh := b.sdk.Subscribe(eventBuffer)
	defer b.sdk.Unsubscribe(evCh)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evCh:
			if !ok {
				return
			}
			b.publishEvent(ctx, pub, e)
		case <-ticker.C:
			b.publishStatus(ctx, pub)
		}
	}
}

// ingestLoop hands transcripts to the SDK one at a time so a slow
// classification never blocks the paho receive path.
func (b *Bridge) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-b.inbox:
			b.ingest(ctx, in)
		}
	}
}

func (b *Bridge) ingest(ctx context.Context, in inbound) {
	t, err := b.sdk.Ingest(ctx, in.text)
	switch {
	case errors.Is(err, voicetask.ErrNotListening):
		b.logger.Debug("mqtt transcript ignored, not listening", "source", in.source)
	case err != nil:
		b.logger.Warn("mqtt transcript rejected", "source", in.source, "error", err)
	case t == nil:
		b.logger.Debug("mqtt transcript produced no task", "source", in.source)
	default:
		b.logger.Debug("mqtt transcript accepted",
			"source", in.source, "task_id", t.ID, "status", t.Status)
	}
}

// receive routes one inbound message and reports whether it was ours.
func (b *Bridge) receive(ctx context.Context, topic string, payload []byte) bool {
	switch topic {
	case b.transcriptTopic():
		text, source, ok := parseTranscript(payload)
		if !ok {
			b.logger.Debug("mqtt empty transcript ignored", "topic", topic)
			return true
		}
		if b.limiter != nil && !b.limiter.allow() {
			return true
		}
		select {
		case b.inbox <- inbound{text: text, source: source}:
		default:
			b.logger.Warn("mqtt transcript inbox full, dropping", "source", source)
		}
		return true

	case b.listeningSetTopic():
		on, ok := parseSwitch(payload)
		if !ok {
			b.logger.Warn("mqtt bad listening payload", "payload", string(payload))
			return true
		}
		if on {
			b.sdk.StartListening()
		} else {
			b.sdk.StopListening()
		}
		b.mu.Lock()
		pub := b.cm
		b.mu.Unlock()
		if pub != nil {
			b.publishListening(ctx, pub)
		}
		return true
	}
	return false
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topics := []string{b.transcriptTopic(), b.listeningSetTopic()}
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topics", topics, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topics", topics)
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string { return b.cfg.BaseTopic }

func (b *Bridge) availabilityTopic() string { return b.baseTopic() + "/availability" }

func (b *Bridge) statusTopic() string { return b.baseTopic() + "/status" }

func (b *Bridge) transcriptTopic() string { return b.baseTopic() + "/transcript" }

func (b *Bridge) listeningTopic() string { return b.baseTopic() + "/listening" }

func (b *Bridge) listeningSetTopic() string { return b.listeningTopic() + "/set" }

func (b *Bridge) eventTopic(k events.Kind) string {
	return b.baseTopic() + "/events/" + string(k)
}

// --- Egress ---

func (b *Bridge) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	if !b.kinds[e.Kind] {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (b *Bridge) status() Status {
	return Status{
		InstanceID:   b.instanceID,
		Version:      buildinfo.Version,
		Uptime:       buildinfo.Uptime().String(),
		Listening:    b.sdk.IsListening(),
		RunningTasks: len(b.sdk.RunningTasks()),
		Queues:       b.sdk.AllQueueStats(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func (b *Bridge) publishStatus(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(b.status())
	if err != nil {
		b.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.statusTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt status publish failed", "error", err)
	}
	b.publishListening(ctx, pub)
}

func (b *Bridge) publishListening(ctx context.Context, pub publisher) {
	state := "off"
	if b.sdk.IsListening() {
		state = "on"
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.listeningTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt listening publish failed", "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}
