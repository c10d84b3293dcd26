package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"imgateway/internal/eventbus"
	"imgateway/internal/gateway"
	logx "imgateway/pkg/logx"
)

// Record appends every gateway send result seen on bus until ctx is done.
func Record(ctx context.Context, bus eventbus.Bus, st Store, log logx.Logger) {
	if bus == nil || st == nil {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256, gateway.EventSend)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, isSend := e.Data.(gateway.SendEvent)
			if e.Type != gateway.EventSend || !isSend {
				continue
			}
			d := Delivery{
				ID:        uuid.NewString(),
				At:        e.Time,
				Provider:  string(ev.Provider),
				Via:       ev.Via,
				Success:   ev.Success,
				MessageID: ev.MessageID,
				Error:     ev.Error,
				UserID:    ev.UserID,
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := st.AppendDelivery(wctx, d); err != nil {
				log.Warn("delivery journal append failed", logx.Err(err))
			}
			cancel()
		}
	}
}
