package main

import (
	"context"
	"sync"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/web"
)

// notifierSet materializes the stored notification channels into live
// notifiers and dispatches alert messages to them. The web layer calls
// Reload after every channel mutation, so the set always reflects the
// database.
type notifierSet struct {
	st  *store.Store
	log *logging.Logger

	mu    sync.RWMutex
	byID  map[int64]notify.Notifier
	multi *notify.Multi
}

func newNotifierSet(st *store.Store, log *logging.Logger) *notifierSet {
	return &notifierSet{
		st:    st,
		log:   log.With("component", "notify"),
		byID:  map[int64]notify.Notifier{},
		multi: notify.NewMulti(log),
	}
}

// Reload rebuilds all notifiers from the enabled channels. Channels with
// broken configuration are skipped so one bad row cannot silence the rest.
func (ns *notifierSet) Reload(ctx context.Context) error {
	rows, err := ns.st.ListChannels(ctx, true)
	if err != nil {
		return err
	}

	byID := make(map[int64]notify.Notifier, len(rows))
	all := make([]notify.Notifier, 0, len(rows))
	for _, row := range rows {
		ch, err := web.ChannelFromRow(row)
		if err != nil {
			ns.log.Error("skipping channel with unreadable config", "channel_id", row.ID, "error", err)
			continue
		}
		n, err := notify.BuildChannelNotifier(ch)
		if err != nil {
			ns.log.Error("skipping channel that fails to build", "channel_id", row.ID, "type", row.Type, "error", err)
			continue
		}
		byID[row.ID] = n
		all = append(all, n)
	}

	ns.mu.Lock()
	ns.byID = byID
	ns.mu.Unlock()
	ns.multi.Reconfigure(all...)

	ns.log.Info("notification channels loaded", "count", len(all))
	return nil
}

// Dispatch delivers a message to the named channels, or to every enabled
// channel when the rule does not pin any.
func (ns *notifierSet) Dispatch(ctx context.Context, channelIDs []int64, msg notify.Message) {
	if len(channelIDs) == 0 {
		ns.multi.Notify(ctx, msg)
		return
	}

	ns.mu.RLock()
	selected := make([]notify.Notifier, 0, len(channelIDs))
	for _, id := range channelIDs {
		n, ok := ns.byID[id]
		if !ok {
			ns.log.Error("alert rule references missing channel", "channel_id", id)
			continue
		}
		selected = append(selected, n)
	}
	ns.mu.RUnlock()

	if len(selected) == 0 {
		return
	}
	notify.NewMulti(ns.log, selected...).Notify(ctx, msg)
}
