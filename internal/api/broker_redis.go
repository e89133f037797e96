package api

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "poolroute/internal/logging"
)

type EventBroker interface {
    Subscribe(jobID string) chan SSEEvent
    Unsubscribe(jobID string, ch chan SSEEvent)
    Publish(jobID string, evt SSEEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so any API instance
// can stream events for a job running on another.
type RedisBroker struct {
    rdb *redis.Client
    log *zap.Logger

    mu   sync.Mutex
    subs map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, log *zap.Logger) *RedisBroker {
    return &RedisBroker{rdb: rdb, log: logging.OrNop(log), subs: map[chan SSEEvent]*redis.PubSub{}}
}

// DialRedisBroker parses a redis:// URL and connects.
func DialRedisBroker(url string, log *zap.Logger) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return NewRedisBroker(redis.NewClient(opt), log), nil
}

func (b *RedisBroker) Subscribe(jobID string) chan SSEEvent {
    ch := make(chan SSEEvent, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(jobID))
    // wait for the subscription so an immediate Publish is not missed
    if _, err := ps.Receive(ctx); err != nil {
        b.log.Warn("redis subscribe", zap.String("job_id", jobID), zap.Error(err))
    }
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt SSEEvent
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                select { case ch <- evt: default: }
            }
        }
    }()
    return ch
}

// Unsubscribe closes the Pub/Sub connection; the pump goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(jobID string, ch chan SSEEvent) {
    b.mu.Lock()
    ps, ok := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (b *RedisBroker) Publish(jobID string, evt SSEEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, _ := json.Marshal(evt)
    if err := b.rdb.Publish(ctx, b.chanName(jobID), data).Err(); err != nil {
        b.log.Warn("redis publish", zap.String("job_id", jobID), zap.String("event", evt.Type), zap.Error(err))
    }
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(jobID string) string { return "job:" + jobID }
