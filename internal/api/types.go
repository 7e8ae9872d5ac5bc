package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hauslist/viewing-booking/internal/booking"
)

type CreateViewingRequest struct {
	PropertyID string `json:"property_id"`
	CustomerID string `json:"customer_id,omitempty"` // admins booking on behalf
	Date       string `json:"date"`
	Time       string `json:"time"`
	Notes      string `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}

type ViewingResponse struct {
	ID            uuid.UUID  `json:"id"`
	PropertyID    uuid.UUID  `json:"property_id"`
	CustomerID    uuid.UUID  `json:"customer_id"`
	AgentID       *uuid.UUID `json:"agent_id,omitempty"`
	Date          string     `json:"date"`
	Time          string     `json:"time"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	BookedAt      time.Time  `json:"booked_at"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toViewingResponse(a *booking.Appointment) ViewingResponse {
	return ViewingResponse{
		ID:            a.ID,
		PropertyID:    a.PropertyID,
		CustomerID:    a.CustomerID,
		AgentID:       a.AgentID,
		Date:          a.ViewingDate,
		Time:          a.ViewingTime,
		Status:        string(a.Status),
		QueuePosition: a.QueuePosition,
		BookedAt:      a.BookedAt,
		Notes:         a.Notes,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

type ViewingListResponse struct {
	Viewings []ViewingResponse `json:"viewings"`
}

type SlotResponse struct {
	Time   string `json:"time"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type DaySlotsResponse struct {
	PropertyID uuid.UUID      `json:"property_id"`
	Date       string         `json:"date"`
	Slots      []SlotResponse `json:"slots"`
}

type QueueEntryResponse struct {
	Position      int       `json:"position"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	CustomerID    uuid.UUID `json:"customer_id"`
	BookedAt      time.Time `json:"booked_at"`
}

type SlotQueueResponse struct {
	PropertyID uuid.UUID            `json:"property_id"`
	Date       string               `json:"date"`
	Time       string               `json:"time"`
	Queue      []QueueEntryResponse `json:"queue"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
