package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kwv/robustfit/consensus"
)

// ProgressMessage is published on {prefix}/{run}/progress.
type ProgressMessage struct {
	RunID     string  `json:"runId"`
	Event     string  `json:"event"`
	Progress  float64 `json:"progress"`
	Iteration int     `json:"iteration"`
	Timestamp int64   `json:"timestamp"`
}

// ResultMessage is published, retained, on {prefix}/{run}/result.
type ResultMessage struct {
	RunID      string      `json:"runId"`
	Kind       string      `json:"kind"`
	Method     string      `json:"method"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Iterations int         `json:"iterations"`
	Inliers    int         `json:"inliers"`
	Samples    int         `json:"samples"`
	Model      interface{} `json:"model,omitempty"`
	ElapsedMs  int64       `json:"elapsedMs"`
	Timestamp  int64       `json:"timestamp"`
}

// Publisher publishes estimation progress and results to MQTT. Each
// estimation gets a fresh run identifier. A nil client disables
// publishing.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger zerolog.Logger

	mu        sync.Mutex
	runID     string
	iteration int
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(client mqtt.Client, prefix string, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// RunID is the identifier of the current or last run.
func (p *Publisher) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

func (p *Publisher) topic(runID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, runID, leaf)
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Start begins a new run and announces it.
func (p *Publisher) Start() {
	p.mu.Lock()
	p.runID = uuid.NewString()
	p.iteration = 0
	runID := p.runID
	p.mu.Unlock()
	p.progress(runID, "start", 0, 0)
}

// Iteration records the latest consensus iteration; it is reported with
// the next progress message.
func (p *Publisher) Iteration(i int) {
	p.mu.Lock()
	p.iteration = i
	p.mu.Unlock()
}

// Progress publishes a progress update.
func (p *Publisher) Progress(progress float64) {
	p.mu.Lock()
	runID, it := p.runID, p.iteration
	p.mu.Unlock()
	p.progress(runID, "progress", progress, it)
}

// End announces the end of the run.
func (p *Publisher) End() {
	p.mu.Lock()
	runID, it := p.runID, p.iteration
	p.mu.Unlock()
	p.progress(runID, "end", 1, it)
}

func (p *Publisher) progress(runID, event string, progress float64, iteration int) {
	msg := ProgressMessage{
		RunID:     runID,
		Event:     event,
		Progress:  progress,
		Iteration: iteration,
		Timestamp: time.Now().Unix(),
	}
	if err := p.publish(p.topic(runID, "progress"), false, msg); err != nil {
		p.logger.Debug().Err(err).Str("event", event).Msg("progress not published")
	}
}

// PublishResult publishes the retained outcome of the current run.
func (p *Publisher) PublishResult(msg ResultMessage) error {
	msg.RunID = p.RunID()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if err := p.publish(p.topic(msg.RunID, "result"), true, msg); err != nil {
		p.logger.Warn().Err(err).Str("run", msg.RunID).Msg("result not published")
		return err
	}
	p.logger.Info().Str("run", msg.RunID).Bool("success", msg.Success).Msg("published result")
	return nil
}

// PublisherListener adapts p to a consensus listener for estimators of
// type E.
func PublisherListener[E any](p *Publisher) consensus.Listener[E] {
	return consensus.ListenerFuncs[E]{
		Start:         func(E) { p.Start() },
		End:           func(E) { p.End() },
		NextIteration: func(_ E, i int) { p.Iteration(i) },
		Progress:      func(_ E, v float64) { p.Progress(v) },
	}
}
