package opt

import (
    "sort"
    "sync"
    "time"

    "poolroute/internal/model"
)

type metricsKey struct{
    Org  string
    Day  model.Weekday
    Mode model.Mode
}

// RunRecord is the search telemetry of one finished day solve.
type RunRecord struct {
    Org        string        `json:"orgId"`
    Day        model.Weekday `json:"serviceDay"`
    Mode       model.Mode    `json:"mode"`
    RecordedAt time.Time     `json:"recordedAt"`
    Metrics    Metrics       `json:"metrics"`
}

// MetricsStore keeps the latest search metrics per organization, day and mode in memory.
type MetricsStore struct {
    mu   sync.Mutex
    runs map[metricsKey]RunRecord
    now  func() time.Time
}

func NewMetricsStore() *MetricsStore {
    return &MetricsStore{runs: map[metricsKey]RunRecord{}, now: time.Now}
}

func (s *MetricsStore) Record(org string, day model.Weekday, mode model.Mode, m Metrics) {
    s.mu.Lock()
    s.runs[metricsKey{Org: org, Day: day, Mode: mode}] = RunRecord{Org: org, Day: day, Mode: mode, RecordedAt: s.now().UTC(), Metrics: m}
    s.mu.Unlock()
}

// Get returns the org's records, optionally narrowed to one day, ordered by day then mode.
func (s *MetricsStore) Get(org string, day model.Weekday) []RunRecord {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := []RunRecord{}
    for k, v := range s.runs {
        if k.Org == org && (day == "" || k.Day == day) {
            out = append(out, v)
        }
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Day != out[j].Day { return out[i].Day.Index() < out[j].Day.Index() }
        return out[i].Mode < out[j].Mode
    })
    return out
}
