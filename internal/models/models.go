package models

import (
	"encoding/json"
	"time"
)

// Role is the caller role asserted by the identity gate. The core trusts
// it verbatim; credential verification happens upstream.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleRider, RoleDriver, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

// Status is the booking lifecycle state. Transitions only move forward;
// completed and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return Status(s), true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition may mutate the booking.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ServiceType string

const (
	ServiceHourly       ServiceType = "hourly"
	ServicePointToPoint ServiceType = "point_to_point"
)

func ParseServiceType(s string) (ServiceType, bool) {
	switch ServiceType(s) {
	case ServiceHourly, ServicePointToPoint:
		return ServiceType(s), true
	default:
		return "", false
	}
}

type VehicleTier string

const (
	TierEconomy  VehicleTier = "economy"
	TierStandard VehicleTier = "standard"
	TierPremium  VehicleTier = "premium"
)

type PaymentMethod string

const (
	PayCash    PaymentMethod = "cash"
	PayCard    PaymentMethod = "card"
	PayEwallet PaymentMethod = "ewallet"
)

func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch PaymentMethod(s) {
	case PayCash, PayCard, PayEwallet:
		return PaymentMethod(s), true
	default:
		return "", false
	}
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Booking is the central entity. DriverID stays empty until a driver wins
// the claim race, is set exactly once, and is never cleared afterwards
// (a cancellation after acceptance keeps it). Prices are whole currency
// units. Preferences is an opaque blob the core stores without reading.
type Booking struct {
	ID                 string          `json:"id"`
	RiderID            string          `json:"rider_id"`
	DriverID           string          `json:"driver_id,omitempty"`
	PickupAddress      string          `json:"pickup_address"`
	Pickup             Coord           `json:"pickup"`
	DestinationAddress string          `json:"destination_address,omitempty"`
	Destination        *Coord          `json:"destination,omitempty"`
	ServiceType        ServiceType     `json:"service_type"`
	DurationHours      int             `json:"duration_hours,omitempty"`
	VehicleTier        VehicleTier     `json:"car_type,omitempty"`
	DistanceKm         float64         `json:"distance_km,omitempty"`
	EstimatedDuration  float64         `json:"estimated_duration,omitempty"` // minutes
	VoucherCode        string          `json:"voucher_code,omitempty"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	Preferences        json.RawMessage `json:"preferences,omitempty"`
	EstimatedPrice     int64           `json:"estimated_price"`
	FinalPrice         int64           `json:"final_price,omitempty"`
	Status             Status          `json:"status"`
	Notes              string          `json:"notes,omitempty"`
	BookingTime        time.Time       `json:"booking_time"`
	PickupTime         *time.Time      `json:"pickup_time,omitempty"`
	StartTime          *time.Time      `json:"start_time,omitempty"`
	EndTime            *time.Time      `json:"end_time,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold bookings without aliasing
// the store's record.
func (b *Booking) Clone() *Booking {
	cp := *b
	if b.Destination != nil {
		d := *b.Destination
		cp.Destination = &d
	}
	cp.PickupTime = cloneTime(b.PickupTime)
	cp.StartTime = cloneTime(b.StartTime)
	cp.EndTime = cloneTime(b.EndTime)
	if b.Preferences != nil {
		cp.Preferences = append(json.RawMessage(nil), b.Preferences...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusEvent is emitted after every committed lifecycle transition.
type StatusEvent struct {
	BookingID string    `json:"booking_id"`
	OldStatus Status    `json:"old_status,omitempty"`
	NewStatus Status    `json:"status"`
	RiderID   string    `json:"rider_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	At        time.Time `json:"at"`
}

// LocationUpdate is a driver's live position report.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"latitude"`
	Lng      float64   `json:"longitude"`
	At       time.Time `json:"at,omitempty"`
}

// DriverLocation is the tracked position returned by nearby lookups.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Updated  time.Time `json:"updated"`
}
