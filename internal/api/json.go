package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"poolroute/internal/jobs"
	"poolroute/internal/opt"
	"poolroute/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Class narrows optimization failures: validation, infeasible or internal.
	Class  string       `json:"errorClass,omitempty"`
	Fields []FieldError `json:"invalidParams,omitempty"`
}

type FieldError struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemDoc(w, Problem{Title: title, Status: status, Detail: detail, Instance: instance})
}

func writeProblemDoc(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps domain errors onto problem documents.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	var empty *opt.EmptyInputError
	var inf *opt.InfeasibleError
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		p := Problem{Title: "Invalid request", Status: http.StatusBadRequest, Detail: "request failed validation", Instance: r.URL.Path, Class: jobs.ClassValidation}
		for _, fe := range verrs {
			p.Fields = append(p.Fields, FieldError{Name: fe.Namespace(), Reason: fe.Tag()})
		}
		writeProblemDoc(w, p)
	case errors.Is(err, jobs.ErrBusy):
		writeProblem(w, http.StatusConflict, "Optimization in progress", err.Error(), r.URL.Path)
	case errors.Is(err, jobs.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.As(err, &inf):
		writeProblemDoc(w, Problem{Title: title, Status: http.StatusUnprocessableEntity, Detail: err.Error(), Instance: r.URL.Path, Class: jobs.ClassInfeasible})
	case errors.As(err, &empty):
		writeProblemDoc(w, Problem{Title: title, Status: http.StatusBadRequest, Detail: err.Error(), Instance: r.URL.Path, Class: jobs.ClassValidation})
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}
