package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hauslist/viewing-booking/internal/booking"
	redisclient "github.com/hauslist/viewing-booking/internal/redis"
)

func mustActor(w http.ResponseWriter, r *http.Request) (booking.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "request is not authenticated")
	}
	return actor, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func createViewingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}

		var req CreateViewingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		propertyID, err := uuid.Parse(req.PropertyID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_property_id", "property_id must be a valid UUID")
			return
		}

		var customerID uuid.UUID
		if req.CustomerID != "" {
			customerID, err = uuid.Parse(req.CustomerID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id must be a valid UUID")
				return
			}
		} else if actor.Role == booking.RoleAdmin {
			writeError(w, http.StatusBadRequest, "missing_customer_id", "admin bookings must name the customer")
			return
		}

		appt, err := svc.RequestViewing(r.Context(), actor, booking.ViewingRequest{
			PropertyID: propertyID,
			CustomerID: customerID,
			Date:       req.Date,
			Time:       req.Time,
			Notes:      req.Notes,
		})
		if err != nil {
			writeBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toViewingResponse(appt))
	}
}

func getViewingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), actor, id)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toViewingResponse(appt))
	}
}

func listViewingsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}

		var f booking.ListFilter
		q := r.URL.Query()

		parseID := func(param string, dst **uuid.UUID) bool {
			v := q.Get(param)
			if v == "" {
				return true
			}
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
				return false
			}
			*dst = &id
			return true
		}
		if !parseID("property_id", &f.PropertyID) ||
			!parseID("customer_id", &f.CustomerID) ||
			!parseID("agent_id", &f.AgentID) {
			return
		}

		if v := q.Get("status"); v != "" {
			status, ok := booking.ParseStatus(v)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+v)
				return
			}
			f.Status = &status
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
				return
			}
			f.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
				return
			}
			f.Offset = n
		}

		appts, err := svc.ListAppointments(r.Context(), actor, f)
		if err != nil {
			writeBookingError(w, err)
			return
		}

		resp := ViewingListResponse{Viewings: make([]ViewingResponse, 0, len(appts))}
		for i := range appts {
			resp.Viewings = append(resp.Viewings, toViewingResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// transitionHandler serves confirm, complete, and cancel, which differ
// only in the action passed to the service.
func transitionHandler(svc *booking.Service, action booking.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Transition(r.Context(), actor, id, action)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toViewingResponse(appt))
	}
}

func rescheduleViewingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Reschedule(r.Context(), actor, id, req.Date, req.Time)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toViewingResponse(appt))
	}
}

func updateNotesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		var req UpdateNotesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.UpdateNotes(r.Context(), actor, id, req.Notes)
		if err != nil {
			writeBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toViewingResponse(appt))
	}
}

func deleteViewingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		if err := svc.HardDelete(r.Context(), actor, id); err != nil {
			writeBookingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func daySlotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := mustActor(w, r); !ok {
			return
		}
		propertyID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		day, err := svc.ListDaySlots(r.Context(), propertyID, date)
		if err != nil {
			writeBookingError(w, err)
			return
		}

		resp := DaySlotsResponse{PropertyID: day.PropertyID, Date: day.Date}
		for _, s := range day.Slots {
			resp.Slots = append(resp.Slots, SlotResponse{Time: s.Time, State: string(s.State), Reason: s.Reason})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func slotQueueHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := mustActor(w, r)
		if !ok {
			return
		}
		propertyID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		q := r.URL.Query()
		date, timeOfDay := q.Get("date"), q.Get("time")
		if date == "" || timeOfDay == "" {
			writeError(w, http.StatusBadRequest, "missing_slot", "date and time query parameters are required")
			return
		}

		entries, err := svc.SlotQueue(r.Context(), actor, propertyID, date, timeOfDay)
		if err != nil {
			writeBookingError(w, err)
			return
		}

		resp := SlotQueueResponse{PropertyID: propertyID, Date: date, Time: timeOfDay}
		for _, e := range entries {
			pos := 0
			if e.QueuePosition != nil {
				pos = *e.QueuePosition
			}
			resp.Queue = append(resp.Queue, QueueEntryResponse{
				Position:      pos,
				AppointmentID: e.ID,
				CustomerID:    e.CustomerID,
				BookedAt:      e.BookedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeBookingError maps engine sentinels onto HTTP statuses: malformed
// slots are unprocessable, admission and lifecycle refusals are conflicts,
// permission denials are forbidden.
func writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrPropertyNotFound):
		writeError(w, http.StatusNotFound, "property_not_found", err.Error())
	case errors.Is(err, booking.ErrInvalidSlotKind):
		writeError(w, http.StatusUnprocessableEntity, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrPropertyUnavailable):
		writeError(w, http.StatusConflict, "property_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotBlocked):
		writeError(w, http.StatusConflict, "slot_blocked", err.Error())
	case errors.Is(err, booking.ErrDuplicateActiveBooking):
		writeError(w, http.StatusConflict, "duplicate_active_booking", err.Error())
	case errors.Is(err, booking.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, booking.ErrConcurrencyConflict),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "concurrency_conflict", "slot is being updated, please retry shortly")
	case errors.Is(err, booking.ErrRoleNotPermitted):
		writeError(w, http.StatusForbidden, "role_not_permitted", err.Error())
	case errors.Is(err, booking.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
