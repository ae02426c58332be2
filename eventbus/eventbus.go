// Package eventbus implements the durable, at-least-once event stream that
// lets gateway components invalidate each other's caches without a shared
// process. A single bounded Redis stream carries every event; each gateway
// replica runs its own consumer loop and recovers its read position from
// the stream's tail on startup, so a restart never replays the full backlog.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/imaas/gateway/redisclient"
	"github.com/rs/zerolog"
)

// Action names the kind of event carried on the bus.
type Action string

const (
	// ActionEvictCache asks subscribers of a given module to drop one
	// cached entry, identified by Params.
	ActionEvictCache Action = "evict_cache"
)

// Module names the cache domain an eviction applies to.
type Module string

const (
	ModuleChannel  Module = "channel"
	ModuleAPIKey   Module = "api_key"
	ModuleBalance  Module = "balance"
	ModuleUserTier Module = "user_tier"
)

// Event is the wire envelope carried on the server event stream.
type Event struct {
	Action Action                 `json:"action"`
	Data   map[string]interface{} `json:"data"`
}

func (e Event) module() string {
	m, _ := e.Data["module"].(string)
	return m
}

func (e Event) params() []interface{} {
	p, _ := e.Data["params"].([]interface{})
	return p
}

// Subscriber reacts to events whose Action it was registered for.
type Subscriber interface {
	Action() Action
	OnEvent(ev Event)
}

// EvictSubscriber drops a cache entry when it observes an eviction event
// scoped to its module. Delete receives the event's params in call order
// and is responsible for turning them into a cache key.
type EvictSubscriber struct {
	Module Module
	Delete func(params []interface{})
}

func (s EvictSubscriber) Action() Action { return ActionEvictCache }

func (s EvictSubscriber) OnEvent(ev Event) {
	if ev.module() != string(s.Module) || s.Delete == nil {
		return
	}
	s.Delete(ev.params())
}

// Manager publishes events onto the durable stream and dispatches received
// events to registered subscribers.
type Manager struct {
	redis      *redisclient.Client
	logger     zerolog.Logger
	streamName string
	maxLen     int64

	subscribers []Subscriber
}

// New creates an event manager bound to the given stream.
func New(redis *redisclient.Client, logger zerolog.Logger, streamName string, maxLen int64) *Manager {
	return &Manager{
		redis:      redis,
		logger:     logger.With().Str("component", "eventbus").Logger(),
		streamName: streamName,
		maxLen:     maxLen,
	}
}

// Register adds a subscriber. Not safe to call concurrently with Run.
func (m *Manager) Register(sub Subscriber) {
	m.subscribers = append(m.subscribers, sub)
	m.logger.Info().Str("action", string(sub.Action())).Msg("registered event subscriber")
}

// Emit publishes an event onto the stream, trimming it to roughly maxLen entries.
func (m *Manager) Emit(ctx context.Context, ev Event) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	m.logger.Debug().Str("action", string(ev.Action)).Msg("emitting event")
	_, err = m.redis.XAddMaxLen(ctx, m.streamName, m.maxLen, map[string]interface{}{
		"action": string(ev.Action),
		"data":   string(dataJSON),
	})
	return err
}

// EmitEvictCache is a convenience wrapper for the common cache-invalidation case.
func (m *Manager) EmitEvictCache(ctx context.Context, module Module, params ...interface{}) error {
	return m.Emit(ctx, Event{
		Action: ActionEvictCache,
		Data: map[string]interface{}{
			"module": string(module),
			"params": params,
		},
	})
}

func (m *Manager) dispatch(ev Event) {
	for _, sub := range m.subscribers {
		if sub.Action() != ev.Action {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("action", string(ev.Action)).Msg("event subscriber panicked")
				}
			}()
			sub.OnEvent(ev)
		}()
	}
}

// Run blocks, reading events from the stream and dispatching them to
// registered subscribers. It recovers its read position from the stream's
// current tail on entry, so a freshly started replica never replays events
// emitted before it came up. Returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	lastID, err := m.redis.XLastID(ctx, m.streamName)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to seek event stream tail, starting from 0")
		lastID = "0"
	}
	m.logger.Info().Str("from_id", lastID).Msg("starting event consumer")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := m.redis.XReadFrom(ctx, m.streamName, lastID, 10, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error().Err(err).Msg("event stream read failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range messages {
			ev, ok := decodeEvent(msg.Values)
			if ok {
				m.dispatch(ev)
			}
			lastID = msg.ID
		}
	}
}

func decodeEvent(values map[string]interface{}) (Event, bool) {
	actionRaw, _ := values["action"].(string)
	if actionRaw == "" {
		return Event{}, false
	}
	var data map[string]interface{}
	if dataRaw, ok := values["data"].(string); ok && dataRaw != "" {
		if err := json.Unmarshal([]byte(dataRaw), &data); err != nil {
			return Event{}, false
		}
	}
	return Event{Action: Action(actionRaw), Data: data}, true
}
