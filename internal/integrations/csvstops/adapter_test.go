package csvstops

import (
    "context"
    "errors"
    "strings"
    "testing"

    "poolroute/internal/model"
)

func TestFetchStops(t *testing.T) {
    in := `ID,Lat,Lng,service_day,eligible_days,earliest,latest,difficulty,service_minutes,locked,ignored
p1,33.5,-112.1,Mon,,09:00,11:00,3,45,true,x
p2,33.6,-112.2,,tue;thu,,,,,,
p3,,,wed,,,,,,,
bad,33.5,-112.1,funday,,,,,,,
,33.5,-112.1,mon,,,,,,,
late,33.5,-112.1,mon,,12:00,10:00,,,,
nodays,33.5,-112.1,,,,,,,,
`
    batch, err := Adapter{R: strings.NewReader(in)}.FetchStops(context.Background())
    if err != nil {
        t.Fatal(err)
    }
    if len(batch.Stops) != 3 {
        t.Fatalf("stops %+v", batch.Stops)
    }
    p1 := batch.Stops[0]
    if p1.ServiceDay != model.Monday || !p1.Locked || p1.Difficulty != 3 || p1.ServiceMinutes != 45 ||
        p1.TimeWindow == nil || p1.TimeWindow.Earliest != model.NewClock(9, 0) || p1.Location.Lat != 33.5 {
        t.Fatalf("p1 %+v", p1)
    }
    if p2 := batch.Stops[1]; len(p2.EligibleDays) != 2 || p2.EligibleDays[1] != model.Thursday {
        t.Fatalf("p2 %+v", p2)
    }
    if batch.Stops[2].Location != nil {
        t.Fatal("p3 should have no location")
    }
    if len(batch.Rejected) != 4 || batch.Rejected[0].Row != 5 || batch.Rejected[3].Row != 8 {
        t.Fatalf("rejected %+v", batch.Rejected)
    }
}

func TestFetchStopsNeedsIDColumn(t *testing.T) {
    _, err := Adapter{R: strings.NewReader("lat,lng\n1,2\n")}.FetchStops(context.Background())
    if !errors.Is(err, ErrNoIDColumn) {
        t.Fatalf("got %v", err)
    }
}
