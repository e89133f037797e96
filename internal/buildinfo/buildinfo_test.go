package buildinfo

import "testing"

func TestInfoReportsVersion(t *testing.T) {
    got := Info()
    if got["version"] != Version || got["goVersion"] == "" {
        t.Fatalf("info %+v", got)
    }
    got["version"] = "mutated"
    if Info()["version"] != Version {
        t.Fatal("Info must return a copy")
    }
}
