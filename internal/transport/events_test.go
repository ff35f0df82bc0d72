package transport

import (
	"testing"
	"time"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/status"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

func newHandler(t *testing.T) (*Handler, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New()
	m := status.NewMachine(b)
	logger, _ := zap.NewDevelopment()
	return NewHandler(b, m, logger), b, m
}

func TestHandleConnectedDrivesMachine(t *testing.T) {
	h, _, m := newHandler(t)
	_ = m.Transition(status.AuthRequired)

	h.Handle(ConnectedEvent{})

	if m.Current() != status.Syncing {
		t.Errorf("state = %s, want SYNCING", m.Current())
	}
}

func TestHandleMessagePublishesAndReadies(t *testing.T) {
	h, b, m := newHandler(t)
	_ = m.Transition(status.Connecting)
	_ = m.Transition(status.Syncing)

	ch, unsub := b.Subscribe("server.", 10)
	defer unsub()

	h.Handle(MessageEvent{Msg: &store.Message{ChatGUID: "c1", MsgID: "m1"}})

	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY after first live message", m.Current())
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.ServerMessage {
			t.Errorf("kind = %q, want server.message", evt.Kind)
		}
		msg, ok := evt.Payload.(*store.Message)
		if !ok || msg.MsgID != "m1" {
			t.Errorf("payload = %#v, want message m1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server.message")
	}
}

func TestHandleDisconnectedPublishes(t *testing.T) {
	h, b, m := newHandler(t)
	_ = m.Transition(status.Connecting)
	_ = m.Transition(status.Syncing)
	_ = m.Transition(status.Ready)

	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	h.Handle(DisconnectedEvent{})

	if m.Current() != status.Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.TransportDisconnected {
			t.Errorf("kind = %q, want transport.disconnected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transport.disconnected")
	}
}

func TestHandleHistoryBatchSkipsEmpty(t *testing.T) {
	h, b, _ := newHandler(t)
	ch, unsub := b.Subscribe("server.", 10)
	defer unsub()

	h.Handle(HistoryBatchEvent{})

	select {
	case evt := <-ch:
		t.Errorf("unexpected event for empty batch: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleTyping(t *testing.T) {
	h, b, _ := newHandler(t)
	ch, unsub := b.Subscribe(bus.ServerTyping, 10)
	defer unsub()

	h.Handle(TypingEvent{ChatGUID: "c1", Typing: true})

	select {
	case evt := <-ch:
		ti, ok := evt.Payload.(TypingEvent)
		if !ok || ti.ChatGUID != "c1" || !ti.Typing {
			t.Errorf("payload = %#v, want typing c1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server.typing")
	}
}
