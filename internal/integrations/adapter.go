// Package integrations defines sources that feed customer stops into the optimizer.
package integrations

import (
    "context"

    "poolroute/internal/model"
)

// StopSource is an external system stops are imported from.
type StopSource interface {
    Name() string
    FetchStops(ctx context.Context) (StopBatch, error)
}

// StopBatch is one import. Rejected rows are reported, not fatal.
type StopBatch struct {
    Stops    []model.Stop
    Rejected []RowError
}

type RowError struct {
    Row    int    `json:"row"`
    Reason string `json:"reason"`
}
