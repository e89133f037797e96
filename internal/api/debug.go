package api

import (
    "encoding/json"
    "net/http"
    "time"

    "poolroute/internal/buildinfo"
)

// DebugJSON reports build info and the effective optimizer defaults.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    d := s.Defaults
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "optimizer": map[string]any{
            "weights":            d.Weights,
            "quickBudget":        d.Quick.TimeBudget.String(),
            "thoroughBudget":     d.Thorough.TimeBudget.String(),
            "avgSpeedMph":        d.AvgSpeedMph,
            "imbalanceThreshold": d.ImbalanceThreshold,
            "balanceRounds":      d.BalanceRounds,
            "horizon":            d.Horizon,
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
