package stream

import (
	"context"
	"log"
	"sync"

	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

// Attach subscribes the reconciler to the connection's chat events and returns
// the detach func. Events are handed off through a buffered channel drained by
// a dedicated goroutine: the turn-end reconciliation fetch runs on the same
// connection, so applying events inline on the read loop would leave nobody to
// read the fetch response. Undecodable events and overflow under backpressure
// are logged and skipped; the reconciliation at turn end repairs whatever they
// would have contributed.
func Attach(conn *gateway.Conn, r *Reconciler) func() {
	events := make(chan ChatEvent, 64)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case ev := <-events:
				r.HandleEvent(context.Background(), ev)
			case <-done:
				return
			}
		}
	}()

	unsub := conn.Subscribe(func(ev gateway.Event) {
		if ev.Name != "chat" {
			return
		}
		decoded, err := DecodeChatEvent(ev.Payload)
		if err != nil {
			log.Printf("stream %s: bad chat event: %v", r.sessionKey, err)
			return
		}
		select {
		case events <- decoded:
		default:
			log.Printf("stream %s: event buffer full, dropped %s", r.sessionKey, decoded.Kind)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}
