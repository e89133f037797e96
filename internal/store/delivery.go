package store

import "time"

// Delivery states.
const (
    DeliveryPending   = "pending"
    DeliveryRetry     = "retry" // failed attempt, backing off
    DeliveryDelivered = "delivered"
    DeliveryFailed    = "failed" // moved to the DLQ
)

// WebhookDelivery is one queued POST of an event to a subscriber, as handed to the worker.
type WebhookDelivery struct {
    ID             string
    OrgID          string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
    NextAttemptAt  time.Time
}
