// Package notifier keeps a CUPS D-Bus notifier subscription alive and turns
// the scheduler's printer signals into session refreshes.
package notifier

import (
	"context"
	"database/sql"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/google/uuid"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
	"cpdbcups/internal/store"
)

// DefaultLease is the notify-lease-duration asked of the scheduler.
const DefaultLease = 24 * time.Hour

const recipientURI = "dbus://"

// Bridge owns the scheduler subscription that makes cupsd start its D-Bus
// notifier.
type Bridge struct {
	Client *cupsclient.Client
	Store  *store.Store
	Lease  time.Duration
	// UserData tags the subscription as ours in notify-user-data.
	UserData string

	mu sync.Mutex
	id int
}

func NewBridge(client *cupsclient.Client, st *store.Store, lease time.Duration) *Bridge {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Bridge{Client: client, Store: st, Lease: lease, UserData: uuid.NewString()}
}

func (b *Bridge) ID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *Bridge) leaseSeconds() int {
	return int(b.Lease / time.Second)
}

// Subscribe creates a printer subscription for every event and returns its
// id, or 0 when the scheduler refused or could not be reached.
func (b *Bridge) Subscribe(ctx context.Context) int {
	req := b.Client.NewRequest(goipp.OpCreatePrinterSubscriptions)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("/")))
	if b.Client.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(b.Client.User)))
	}
	req.Subscription.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("all")))
	req.Subscription.Add(goipp.MakeAttribute("notify-recipient-uri", goipp.TagURI, goipp.String(recipientURI)))
	req.Subscription.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(b.leaseSeconds())))
	if b.UserData != "" {
		req.Subscription.Add(goipp.MakeAttribute("notify-user-data", goipp.TagString, goipp.Binary(b.UserData)))
	}

	resp, err := b.Client.Do(ctx, req)
	if err != nil {
		logging.Warnf("subscribing to CUPS notifications: %v", err)
		return 0
	}
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagSubscriptionGroup) {
		if id := cupsclient.FindInt(attrs, "notify-subscription-id"); id > 0 {
			logging.Debugf("subscribed to CUPS notifications as %d", id)
			return id
		}
	}
	logging.Warnf("create-printer-subscriptions response carries no subscription id")
	return 0
}

// Renew extends the lease of id.
func (b *Bridge) Renew(ctx context.Context, id int) bool {
	req := b.Client.NewRequest(goipp.OpRenewSubscription)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("/")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	req.Subscription.Add(goipp.MakeAttribute("notify-recipient-uri", goipp.TagURI, goipp.String(recipientURI)))
	req.Subscription.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(b.leaseSeconds())))
	if _, err := b.Client.Do(ctx, req); err != nil {
		logging.Warnf("renewing CUPS subscription %d: %v", id, err)
		return false
	}
	return true
}

// Cancel drops subscription id so cupsd can stop its notifier. Ids <= 0
// are ignored.
func (b *Bridge) Cancel(ctx context.Context, id int) {
	if id <= 0 {
		return
	}
	req := b.Client.NewRequest(goipp.OpCancelSubscription)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("/")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	if _, err := b.Client.Do(ctx, req); err != nil {
		logging.Warnf("canceling CUPS subscription %d: %v", id, err)
	}
}

// Tick renews the current subscription, replacing it when there is none
// or the renewal fails. Whatever Subscribe returns is kept, 0 included,
// so the next tick tries again.
func (b *Bridge) Tick(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id > 0 && b.Renew(ctx, b.id) {
		b.persist(ctx, true)
		return
	}
	b.id = b.Subscribe(ctx)
	b.persist(ctx, false)
}

// Start cancels a subscription left behind by a previous run and creates a
// fresh one.
func (b *Bridge) Start(ctx context.Context) int {
	if b.Store != nil {
		var prev model.Subscription
		var found bool
		err := b.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
			var err error
			prev, found, err = b.Store.CurrentSubscription(ctx, tx)
			return err
		})
		if err != nil {
			logging.Warnf("reading stored subscription: %v", err)
		} else if found {
			logging.Debugf("canceling stale CUPS subscription %d", prev.ID)
			b.Cancel(ctx, prev.ID)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = b.Subscribe(ctx)
	b.persist(ctx, false)
	return b.id
}

// Run calls Tick every interval until ctx ends.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = b.Lease - time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Stop cancels the current subscription and forgets it.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cancel(ctx, b.id)
	b.id = 0
	b.persist(ctx, false)
}

// persist records the current id; the caller holds b.mu.
func (b *Bridge) persist(ctx context.Context, renewed bool) {
	if b.Store == nil {
		return
	}
	err := b.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		if renewed {
			return b.Store.TouchSubscription(ctx, tx, b.id)
		}
		return b.Store.SaveSubscription(ctx, tx, model.Subscription{
			ID:        b.id,
			UserData:  b.UserData,
			LeaseSecs: b.leaseSeconds(),
		})
	})
	if err != nil {
		logging.Warnf("storing subscription %d: %v", b.id, err)
	}
}
