package api

import (
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    redis "github.com/redis/go-redis/v9"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    jid := "j1"
    ch := b.Subscribe(jid)

    evt := SSEEvent{Type: "test.event", Data: map[string]any{"x": 1}}
    b.Publish(jid, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data["x"].(int) != 1 { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(jid, ch)
    if _, ok := <-ch; ok { t.Fatal("channel should be closed after unsubscribe") }
    // second unsubscribe is a no-op
    b.Unsubscribe(jid, ch)
    b.Publish(jid, evt)
}

func TestBrokerIsolatesJobs(t *testing.T) {
    b := NewBroker()
    a := b.Subscribe("a")
    defer b.Unsubscribe("a", a)
    b.Publish("other", SSEEvent{Type: "x"})
    select {
    case got := <-a:
        t.Fatalf("unexpected event %+v", got)
    case <-time.After(30 * time.Millisecond):
    }
}

func TestRedisBrokerRoundTrip(t *testing.T) {
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    b := NewRedisBroker(rdb, nil)
    defer b.Close()

    ch := b.Subscribe("j9")
    b.Publish("j9", SSEEvent{Type: "job.running", Data: map[string]any{"mode": "single_day"}})

    select {
    case got := <-ch:
        if got.Type != "job.running" || got.Data["mode"] != "single_day" {
            t.Fatalf("got %+v", got)
        }
    case <-time.After(2 * time.Second):
        t.Fatal("timeout waiting for redis event")
    }

    b.Unsubscribe("j9", ch)
    select {
    case _, ok := <-ch:
        if ok { t.Fatal("expected closed channel") }
    case <-time.After(2 * time.Second):
        t.Fatal("channel not closed after unsubscribe")
    }
}
