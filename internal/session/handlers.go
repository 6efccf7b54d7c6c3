package session

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"traveltracker/internal/geocode"
	"traveltracker/internal/location"
	"traveltracker/internal/manual"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
	"traveltracker/internal/upload"
)

type startRequest struct {
	UserID   string           `json:"user_id"`
	Location *location.Sample `json:"location"`
}

type stopRequest struct {
	Location *location.Sample `json:"location"`
}

// stopResponse is the ended trip plus a warning when the supplied end
// location was rejected.
type stopResponse struct {
	trip.Trip
	Warning string `json:"warning,omitempty"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(svc.Status())
	})

	r.Post("/trips/start", func(c *fiber.Ctx) error {
		var req startRequest
		if err := parseOptional(c, &req); err != nil {
			return err
		}
		t, err := svc.Start(c.UserContext(), req.UserID, req.Location)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(t)
	})

	r.Post("/trips/stop", func(c *fiber.Ctx) error {
		var req stopRequest
		if err := parseOptional(c, &req); err != nil {
			return err
		}
		t, err := svc.Stop(c.UserContext(), req.Location)
		if err != nil && t.LocalID == "" {
			return httpError(err)
		}
		resp := stopResponse{Trip: t}
		if err != nil {
			resp.Warning = err.Error()
		}
		return c.JSON(resp)
	})

	r.Put("/trips/mode", func(c *fiber.Ctx) error {
		var req modeRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		t, err := svc.SetMode(c.UserContext(), mode.Mode(req.Mode))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(t)
	})

	r.Get("/trips/current/route", func(c *fiber.Ctx) error {
		fc, err := svc.Route()
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fc)
	})

	r.Post("/trips/manual", func(c *fiber.Ctx) error {
		var req manual.Request
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		t, err := svc.Manual(c.UserContext(), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(t)
	})

	r.Post("/buffer/flush", func(c *fiber.Ctx) error {
		res := svc.Flush(c.UserContext())
		return c.JSON(fiber.Map{"result": res, "buffer_depth": svc.BufferDepth()})
	})

	r.Post("/sync/offline", func(c *fiber.Ctx) error {
		res, err := svc.SyncOffline(c.UserContext())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(res)
	})
}

// parseOptional accepts an empty body as the zero request.
func parseOptional(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, trip.ErrAlreadyActive), errors.Is(err, trip.ErrNoActiveTrip):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, location.ErrInvalidCoordinate),
		errors.Is(err, mode.ErrUnknownMode),
		errors.Is(err, manual.ErrInvalidRequest):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, geocode.ErrGeocodeFailed):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, location.ErrUnavailable),
		errors.Is(err, trip.ErrEngineStopped),
		errors.Is(err, ErrManualDisabled):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, upload.ErrUploadFailed):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
