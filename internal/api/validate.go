package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"poolroute/internal/model"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names in problems.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mode", func(fl validator.FieldLevel) bool {
		return model.Mode(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		return model.Weekday(fl.Field().String()).Valid()
	})
	return v
}

func (s *Server) validateOptimizeRequest(req *model.OptimizeRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	if req.Mode != model.ModeCrossDay && req.ServiceDay == "" {
		return errors.New("serviceDay is required unless mode is cross_day")
	}
	if req.Mode == model.ModeCrossDay && req.ServiceDay != "" {
		return errors.New("serviceDay does not apply to cross_day; use horizon")
	}
	if len(req.Stops) > 0 {
		return checkStops(req.Stops)
	}
	return nil
}

// normalizeDays accepts abbreviations and any case ("Mon", "TUESDAY") in day fields.
func normalizeDays(req *model.OptimizeRequest) {
	if d, err := model.ParseWeekday(string(req.ServiceDay)); err == nil {
		req.ServiceDay = d
	}
	for i, h := range req.Horizon {
		if d, err := model.ParseWeekday(string(h)); err == nil {
			req.Horizon[i] = d
		}
	}
}
