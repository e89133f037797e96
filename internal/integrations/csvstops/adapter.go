// Package csvstops imports stops from CSV exports of customer lists.
package csvstops

import (
    "context"
    "encoding/csv"
    "errors"
    "fmt"
    "io"
    "strconv"
    "strings"

    "poolroute/internal/integrations"
    "poolroute/internal/model"
)

// Recognized header names. Columns are matched case-insensitively and may appear in any order;
// unknown columns are ignored.
const (
    colID             = "id"
    colCustomer       = "customer_id"
    colAddress        = "address"
    colLat            = "lat"
    colLng            = "lng"
    colServiceType    = "service_type"
    colDifficulty     = "difficulty"
    colServiceMinutes = "service_minutes"
    colServiceDay     = "service_day"
    colEligibleDays   = "eligible_days" // separated by ';'
    colEarliest       = "earliest"
    colLatest         = "latest"
    colLocked         = "locked"
    colTechnician     = "technician_id"
)

var ErrNoIDColumn = errors.New("csv: header has no id column")

type Adapter struct {
    R io.Reader
}

func (a Adapter) Name() string { return "csv" }

func (a Adapter) FetchStops(ctx context.Context) (integrations.StopBatch, error) {
    var batch integrations.StopBatch
    r := csv.NewReader(a.R)
    r.TrimLeadingSpace = true
    r.FieldsPerRecord = -1
    header, err := r.Read()
    if err != nil {
        return batch, fmt.Errorf("csv header: %w", err)
    }
    cols := map[string]int{}
    for i, h := range header {
        cols[strings.ToLower(strings.TrimSpace(h))] = i
    }
    if _, ok := cols[colID]; !ok {
        return batch, ErrNoIDColumn
    }
    for row := 2; ; row++ {
        if err := ctx.Err(); err != nil {
            return batch, err
        }
        rec, err := r.Read()
        if errors.Is(err, io.EOF) {
            break
        }
        if err != nil {
            batch.Rejected = append(batch.Rejected, integrations.RowError{Row: row, Reason: err.Error()})
            continue
        }
        get := func(name string) string {
            if i, ok := cols[name]; ok && i < len(rec) {
                return strings.TrimSpace(rec[i])
            }
            return ""
        }
        s, err := parseRow(get)
        if err != nil {
            batch.Rejected = append(batch.Rejected, integrations.RowError{Row: row, Reason: err.Error()})
            continue
        }
        batch.Stops = append(batch.Stops, s)
    }
    return batch, nil
}

func parseRow(get func(string) string) (model.Stop, error) {
    s := model.Stop{
        ID:           get(colID),
        CustomerID:   get(colCustomer),
        Address:      get(colAddress),
        ServiceType:  get(colServiceType),
        TechnicianID: get(colTechnician),
    }
    if s.ID == "" {
        return s, errors.New("missing id")
    }
    // a stop without coordinates is kept; the optimizer reports it as missing geocoding
    if lat, lng := get(colLat), get(colLng); lat != "" || lng != "" {
        la, err1 := strconv.ParseFloat(lat, 64)
        ln, err2 := strconv.ParseFloat(lng, 64)
        if err1 != nil || err2 != nil {
            return s, fmt.Errorf("bad coordinates %q,%q", lat, lng)
        }
        s.Location = &model.Coordinate{Lat: la, Lng: ln}
    }
    var err error
    if v := get(colDifficulty); v != "" {
        if s.Difficulty, err = strconv.Atoi(v); err != nil || s.Difficulty < 1 || s.Difficulty > 5 {
            return s, fmt.Errorf("difficulty must be 1-5, got %q", v)
        }
    }
    if v := get(colServiceMinutes); v != "" {
        if s.ServiceMinutes, err = strconv.Atoi(v); err != nil || s.ServiceMinutes < 0 {
            return s, fmt.Errorf("bad service_minutes %q", v)
        }
    }
    if v := get(colServiceDay); v != "" {
        if s.ServiceDay, err = model.ParseWeekday(v); err != nil {
            return s, err
        }
    }
    if v := get(colEligibleDays); v != "" {
        for _, part := range strings.Split(v, ";") {
            d, err := model.ParseWeekday(part)
            if err != nil {
                return s, err
            }
            s.EligibleDays = append(s.EligibleDays, d)
        }
    }
    if s.ServiceDay == "" && len(s.EligibleDays) == 0 {
        return s, errors.New("missing service_day or eligible_days")
    }
    if e, l := get(colEarliest), get(colLatest); e != "" || l != "" {
        tw := model.TimeWindow{Earliest: model.NewClock(0, 0), Latest: model.NewClock(23, 59)}
        if e != "" {
            if tw.Earliest, err = model.ParseClock(e); err != nil {
                return s, err
            }
        }
        if l != "" {
            if tw.Latest, err = model.ParseClock(l); err != nil {
                return s, err
            }
        }
        if tw.Latest < tw.Earliest {
            return s, fmt.Errorf("window %s-%s closes before it opens", tw.Earliest, tw.Latest)
        }
        s.TimeWindow = &tw
    }
    if v := get(colLocked); v != "" {
        if s.Locked, err = strconv.ParseBool(v); err != nil {
            return s, fmt.Errorf("bad locked %q", v)
        }
    }
    return s, nil
}
