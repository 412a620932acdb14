// Package relayadapter composes the registry, broker, and history
// components into the single socket.Relay surface the socket session
// layer dispatches against. It exists only to keep those three packages
// from needing to import each other.
package relayadapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletconnect-labs/relay/internal/broker"
	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/history"
	"github.com/walletconnect-labs/relay/internal/registry"
	"github.com/walletconnect-labs/relay/internal/socket"
)

// Adapter implements socket.Relay.
type Adapter struct {
	registry *registry.Registry
	broker   *broker.Broker
	history  *history.History
	logger   *slog.Logger
}

// New builds an Adapter over already-constructed components.
func New(reg *registry.Registry, b *broker.Broker, h *history.History) *Adapter {
	return &Adapter{
		registry: reg,
		broker:   b,
		history:  h,
		logger:   slog.Default().With("component", "relay-adapter"),
	}
}

var _ socket.Relay = (*Adapter)(nil)

func (a *Adapter) Publish(ctx context.Context, from domain.SocketID, topic domain.Topic, payload string, ttl time.Duration) (uint64, error) {
	return a.broker.Publish(ctx, from, topic, payload, ttl)
}

// Subscribe binds socketID to topic in the registry, then delivers any
// retained messages the topic is already holding -- the registry and
// broker compose here so the socket layer issues one call, not two.
func (a *Adapter) Subscribe(ctx context.Context, socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, error) {
	id, err := a.registry.Subscribe(ctx, socketID, topic)
	if err != nil {
		return "", err
	}
	if err := a.broker.OnNewSubscriber(ctx, socketID, topic); err != nil {
		a.logger.Warn("retained delivery to new subscriber failed", "socket", socketID, "topic", topic, "error", err)
	}
	return id, nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, socketID domain.SocketID, subscriptionID domain.SubscriptionID) error {
	return a.registry.Unsubscribe(ctx, socketID, subscriptionID)
}

func (a *Adapter) Acknowledge(ctx context.Context, socketID domain.SocketID, topic domain.Topic, messageHash string) error {
	return a.broker.Acknowledge(ctx, socketID, topic, messageHash)
}

func (a *Adapter) OnClose(ctx context.Context, socketID domain.SocketID) {
	a.registry.OnClose(ctx, socketID)
}

func (a *Adapter) HistorySet(ctx context.Context, topic domain.Topic, id uint64, req domain.JSONRPCRequest, chainID string) error {
	return a.history.Set(ctx, topic, id, req, chainID)
}

func (a *Adapter) HistoryUpdate(ctx context.Context, topic domain.Topic, id uint64, resp domain.JSONRPCResponse) error {
	return a.history.Update(ctx, topic, id, resp)
}

func (a *Adapter) HistoryGet(ctx context.Context, topic domain.Topic, id uint64) (domain.HistoryRecord, error) {
	return a.history.Get(ctx, topic, id)
}

func (a *Adapter) HistoryDelete(ctx context.Context, topic domain.Topic, id *uint64) error {
	return a.history.Delete(ctx, topic, id)
}

func (a *Adapter) HistoryPending(ctx context.Context) ([]domain.HistoryRecord, error) {
	return a.history.Pending(ctx)
}
