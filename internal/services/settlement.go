package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/cache"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

var monitorLog = logrus.WithField("component", "settlement")

// MonitorConfig controls settlement polling.
type MonitorConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Monitor resolves submitted orders to their terminal state. Order
// state is polled through the shared channel; push updates from the
// user stream land in a short-lived cache consulted before each poll.
type Monitor struct {
	store   *storage.Store
	clients *ClientCache
	channel *reqchannel.Channel
	cfg     MonitorConfig

	// exchange order id -> settlement push payload
	recent *cache.InMemoryCache[string, settlementUpdate]
}

type settlementUpdate struct {
	status string
	txHash string
}

func NewMonitor(store *storage.Store, clients *ClientCache, channel *reqchannel.Channel, cfg MonitorConfig) *Monitor {
	return &Monitor{
		store:   store,
		clients: clients,
		channel: channel,
		cfg:     cfg,
		recent:  cache.NewInMemoryCache[string, settlementUpdate](5 * time.Minute),
	}
}

// Close releases the push-update cache.
func (m *Monitor) Close() { m.recent.Close() }

// NotePush records a stream-delivered order update so the next check
// resolves without an extra poll.
func (m *Monitor) NotePush(exchangeOrderID, status, txHash string) {
	m.recent.Set(exchangeOrderID, settlementUpdate{status: status, txHash: txHash}, 5*time.Minute)
}

// CheckAsync probes once in the background. Fire and forget: the result
// lands in storage, errors land in the log.
func (m *Monitor) CheckAsync(orderID, exchangeOrderID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		settled, err := m.checkOnce(ctx, orderID, exchangeOrderID, userID)
		if err != nil {
			monitorLog.WithFields(logrus.Fields{"order": orderID, "error": err}).Warn("settlement probe failed")
			return
		}
		if settled {
			monitorLog.WithField("order", orderID).Info("order settled")
		}
	}()
}

// Await polls until the order reaches a terminal state or the configured
// timeout passes. On timeout the order record is left untouched and a
// CodeTimeout error is returned; a later probe may still settle it.
func (m *Monitor) Await(ctx context.Context, orderID, exchangeOrderID, userID string) (*domain.Order, error) {
	deadline := time.Now().Add(m.cfg.Timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		settled, err := m.checkOnce(ctx, orderID, exchangeOrderID, userID)
		if err != nil {
			terr := Classify(err)
			if terr.Code != CodeUnknown && terr.Code != CodeTimeout {
				return nil, terr
			}
			// Transient probe failures just wait for the next tick.
			monitorLog.WithFields(logrus.Fields{"order": orderID, "error": err}).Debug("settlement poll failed")
		} else if settled {
			return m.store.GetOrder(ctx, orderID)
		}

		if time.Now().After(deadline) {
			return nil, newTradeError(CodeTimeout, "settlement wait timed out", nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		}
	}
}

// checkOnce resolves the order's current state, applying it to storage.
// Returns true once the order is terminal.
func (m *Monitor) checkOnce(ctx context.Context, orderID, exchangeOrderID, userID string) (bool, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, newTradeError(CodeNotFound, "order not found", nil)
	}
	if order.Status.IsTerminal() {
		return true, nil
	}

	status, txHash, err := m.resolve(ctx, exchangeOrderID, userID)
	if err != nil {
		return false, err
	}

	switch strings.ToUpper(status) {
	case "MATCHED", "FILLED":
		now := time.Now().UTC()
		if err := m.store.MarkOrderSettled(ctx, orderID, txHash, now); err != nil {
			return false, err
		}
		if tr, err := m.store.GetTradeByOrder(ctx, orderID); err == nil && tr != nil {
			_ = m.store.AdvanceTradeStage(ctx, tr.ID, domain.StageSettled, txHash, now)
		}
		return true, nil
	case "CANCELED", "CANCELLED":
		if err := m.store.MarkOrderFailed(ctx, orderID, domain.StatusCancelled, "cancelled on exchange"); err != nil {
			return false, err
		}
		return true, nil
	case "REJECTED", "FAILED", "EXPIRED":
		reason := strings.ToLower(status) + " on exchange"
		if err := m.store.MarkOrderFailed(ctx, orderID, domain.StatusRejected, reason); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (m *Monitor) resolve(ctx context.Context, exchangeOrderID, userID string) (status, txHash string, err error) {
	if upd, ok := m.recent.Get(exchangeOrderID); ok {
		return upd.status, upd.txHash, nil
	}

	client, err := m.clients.Get(ctx, userID)
	if err != nil {
		return "", "", err
	}
	v, err := m.channel.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return client.GetOrder(ctx, exchangeOrderID)
	}, "")
	if err != nil {
		return "", "", err
	}
	resp := v.(*exchange.OrderStatusResponse)
	return resp.Status, resp.TxHash, nil
}
