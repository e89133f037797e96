package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/go-playground/validator/v10"
    "go.uber.org/zap"

    "poolroute/internal/jobs"
    "poolroute/internal/logging"
    "poolroute/internal/model"
)

const (
    defaultWait = 5 * time.Minute
    maxWait     = 15 * time.Minute
    heartbeat   = 15 * time.Second
)

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/optimize" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req model.OptimizeRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    normalizeDays(&req)
    if err := s.validateOptimizeRequest(&req); err != nil {
        invalid(w, r, "Invalid optimize request", err)
        return
    }
    ctx, org := s.withOrg(r)
    st, err := s.Jobs.Submit(ctx, org, req)
    if err != nil {
        writeError(w, r, "Submit optimization failed", err)
        return
    }
    w.Header().Set("Location", "/v1/optimize/jobs/"+st.ID)
    if r.URL.Query().Get("wait") != "true" {
        writeJSON(w, http.StatusAccepted, st)
        return
    }

    wait := defaultWait
    if v := r.URL.Query().Get("timeout"); v != "" {
        if secs, err := strconv.Atoi(v); err == nil && secs > 0 { wait = time.Duration(secs) * time.Second }
    }
    if wait > maxWait { wait = maxWait }
    wctx, cancel := context.WithTimeout(ctx, wait)
    defer cancel()
    done, err := s.Jobs.Wait(wctx, org, st.ID)
    if err != nil {
        if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
            // still running; the caller polls the job
            cur, _ := s.Jobs.Status(org, st.ID)
            writeJSON(w, http.StatusAccepted, cur)
            return
        }
        writeError(w, r, "Wait for optimization failed", err)
        return
    }
    writeJobResult(w, r, done)
}

// writeJobResult maps a finished job onto the synchronous response.
func writeJobResult(w http.ResponseWriter, r *http.Request, st model.JobStatus) {
    if st.State != model.JobFailed {
        writeJSON(w, http.StatusOK, st)
        return
    }
    status := http.StatusInternalServerError
    switch st.ErrorClass {
    case jobs.ClassValidation:
        status = http.StatusBadRequest
    case jobs.ClassInfeasible:
        status = http.StatusUnprocessableEntity
    }
    writeProblemDoc(w, Problem{Title: "Optimization failed", Status: status, Detail: st.Error, Instance: r.URL.Path, Class: st.ErrorClass})
}

// JobByIDHandler handles GET/DELETE /v1/optimize/jobs/{id}, /events and /ws
func (s *Server) JobByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/optimize/jobs/")
    parts := strings.Split(strings.Trim(rest, "/"), "/")
    id := parts[0]
    if id == "" || len(parts) > 2 {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    _, org := s.withOrg(r)
    if len(parts) == 2 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if _, err := s.Jobs.Status(org, id); err != nil { writeError(w, r, "Job lookup failed", err); return }
        switch parts[1] {
        case "events":
            s.jobEventStream(w, r, org, id)
        case "ws":
            s.JobEventsWSHandler(w, r, org, id)
        default:
            writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        }
        return
    }
    switch r.Method {
    case http.MethodGet:
        st, err := s.Jobs.Status(org, id)
        if err != nil { writeError(w, r, "Job lookup failed", err); return }
        writeJSON(w, http.StatusOK, st)
    case http.MethodDelete:
        st, err := s.Jobs.Cancel(org, id)
        if err != nil { writeError(w, r, "Cancel failed", err); return }
        logging.For(r.Context(), s.Log).Info("optimization cancel requested", zap.String("job_id", id), zap.String("state", string(st.State)))
        writeJSON(w, http.StatusAccepted, st)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func terminal(state model.JobState) bool {
    return state == model.JobSucceeded || state == model.JobFailed || state == model.JobCancelled
}

func terminalEvent(t string) bool {
    return t == "job."+string(model.JobSucceeded) || t == "job."+string(model.JobFailed) || t == "job."+string(model.JobCancelled)
}

// jobEventStream serves server-sent events until the job finishes or the client leaves.
func (s *Server) jobEventStream(w http.ResponseWriter, r *http.Request, org, id string) {
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    // subscribe before reading state so a finish in between is not lost
    ch := s.Broker.Subscribe(id)
    defer s.Broker.Unsubscribe(id, ch)

    st, err := s.Jobs.Status(org, id)
    if err != nil { return }
    first := jobStateEvent(st)
    writeSSE(w, first.Type, first.Data)
    flusher.Flush()
    if terminal(st.State) { return }

    tick := time.NewTicker(heartbeat)
    defer tick.Stop()
    for {
        select {
        case <-r.Context().Done():
            return
        case evt, ok := <-ch:
            if !ok { return }
            writeSSE(w, evt.Type, evt.Data)
            flusher.Flush()
            if terminalEvent(evt.Type) { return }
        case <-tick.C:
            writeSSE(w, "heartbeat", map[string]any{"jobId": id, "ts": time.Now().UTC().Format(time.RFC3339)})
            flusher.Flush()
        }
    }
}

func writeSSE(w http.ResponseWriter, eventType string, data map[string]any) {
    b, _ := json.Marshal(data)
    fmt.Fprintf(w, "event: %s\n", eventType)
    fmt.Fprintf(w, "data: %s\n\n", string(b))
}

// invalid writes a 400 for request validation failures.
func invalid(w http.ResponseWriter, r *http.Request, title string, err error) {
    var verrs validator.ValidationErrors
    if errors.As(err, &verrs) {
        writeError(w, r, title, err)
        return
    }
    writeProblemDoc(w, Problem{Title: title, Status: http.StatusBadRequest, Detail: err.Error(), Instance: r.URL.Path, Class: jobs.ClassValidation})
}
