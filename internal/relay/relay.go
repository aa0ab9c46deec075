// Package relay forwards control commands between vigil instances over Redis
// pub/sub so a pause, resume or stop reaches the instance that owns the run.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/metrics"
)

// DefaultChannel is the pub/sub channel used when none is configured
const DefaultChannel = "vigil:control"

// Command is a relayed control action
type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
)

var ErrUnknownCommand = errors.New("unknown control command")

// ParseCommand validates s as a Command
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandPause, CommandResume, CommandStop:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// Message is the payload published on the channel
type Message struct {
	InstanceID  string    `json:"instance_id"`
	ExecutionID string    `json:"execution_id"`
	Command     Command   `json:"command"`
	SentAt      time.Time `json:"sent_at"`
}

// Controller applies control commands to locally running executions
type Controller interface {
	Running(executionID string) bool
	Pause(executionID string) bool
	Resume(executionID string) bool
	Stop(executionID string) bool
}

// Relay publishes commands for remote runs and applies commands received for
// local ones
type Relay struct {
	client     redis.UniversalClient
	ctrl       Controller
	channel    string
	instanceID string

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// New creates a relay. Start must be called before remote commands are received.
func New(client redis.UniversalClient, ctrl Controller, channel, instanceID string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:     client,
		ctrl:       ctrl,
		channel:    channel,
		instanceID: instanceID,
	}
}

// InstanceID returns the id this relay tags its messages with
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Start subscribes to the channel and applies incoming commands until Close
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.pubsub = pubsub

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range pubsub.Channel() {
			r.handle(msg.Payload)
		}
	}()

	logger.Printf("Control relay subscribed to %s as %s", r.channel, r.instanceID)
	return nil
}

func (r *Relay) handle(payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Error("Control relay: dropping malformed message: %v", err)
		return
	}
	if msg.InstanceID == r.instanceID {
		return
	}
	if !r.ctrl.Running(msg.ExecutionID) {
		return
	}

	metrics.RecordRelayMessage("in", string(msg.Command))
	if !r.apply(msg.ExecutionID, msg.Command) {
		logger.Printf("Control relay: %s for %s from %s was not applied", msg.Command, msg.ExecutionID, msg.InstanceID)
	}
}

func (r *Relay) apply(executionID string, cmd Command) bool {
	switch cmd {
	case CommandPause:
		return r.ctrl.Pause(executionID)
	case CommandResume:
		return r.ctrl.Resume(executionID)
	case CommandStop:
		return r.ctrl.Stop(executionID)
	}
	return false
}

// Publish sends cmd for executionID to every other instance
func (r *Relay) Publish(ctx context.Context, executionID string, cmd Command) error {
	data, err := json.Marshal(Message{
		InstanceID:  r.instanceID,
		ExecutionID: executionID,
		Command:     cmd,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", cmd, executionID, err)
	}
	metrics.RecordRelayMessage("out", string(cmd))
	return nil
}

// Dispatch applies cmd locally when this instance runs executionID and
// relays it otherwise. applied reports a local transition; relayed reports
// that the command was handed to other instances.
func (r *Relay) Dispatch(ctx context.Context, executionID string, cmd Command) (applied, relayed bool, err error) {
	if r.ctrl.Running(executionID) {
		return r.apply(executionID, cmd), false, nil
	}
	if err := r.Publish(ctx, executionID, cmd); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// Close unsubscribes and waits for the receive loop to exit
func (r *Relay) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	r.wg.Wait()
	return err
}
