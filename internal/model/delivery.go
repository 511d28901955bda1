package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus is a step in the delivery lifecycle.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryCancelled
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryAssigned, DeliveryPickedUp, DeliveryInTransit, DeliveryDelivered, DeliveryCancelled:
		return true
	}
	return false
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Address struct {
	Street     string    `json:"street"`
	City       string    `json:"city,omitempty"`
	PostalCode string    `json:"postal_code,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Location   *GeoPoint `json:"location,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type LineItem struct {
	ProductID string          `json:"product_id,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type TimelineEntry struct {
	Status      DeliveryStatus `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description,omitempty"`
}

// Issue is a problem reported by the rider while working a delivery.
type Issue struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Proof is the evidence submitted when a delivery is handed over.
type Proof struct {
	PhotoURL  string `json:"photo_url,omitempty"`
	OTP       string `json:"otp,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Empty reports whether no proof element was supplied.
func (p Proof) Empty() bool {
	return p.PhotoURL == "" && p.OTP == "" && p.Signature == ""
}

type Delivery struct {
	ID              string           `json:"id"`
	OrderNumber     string           `json:"order_number"`
	Status          DeliveryStatus   `json:"status"`
	AssignedRider   string           `json:"assigned_rider,omitempty"`
	Customer        Customer         `json:"customer"`
	DeliveryAddress Address          `json:"delivery_address"`
	Items           []LineItem       `json:"items,omitempty"`
	DeliveryFee     decimal.Decimal  `json:"delivery_fee"`
	DistanceKm      *decimal.Decimal `json:"distance_km,omitempty"`
	Timeline        []TimelineEntry  `json:"timeline,omitempty"`
	RiderLocation   *GeoPoint        `json:"rider_location,omitempty"`
	Issues          []Issue          `json:"issues,omitempty"`
	Urgent          bool             `json:"urgent,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Clone returns a deep copy so callers can never alias indexed records.
func (d Delivery) Clone() Delivery {
	out := d
	if d.Items != nil {
		out.Items = append([]LineItem(nil), d.Items...)
	}
	if d.Timeline != nil {
		out.Timeline = append([]TimelineEntry(nil), d.Timeline...)
	}
	if d.Issues != nil {
		out.Issues = append([]Issue(nil), d.Issues...)
	}
	if d.DistanceKm != nil {
		v := *d.DistanceKm
		out.DistanceKm = &v
	}
	if d.RiderLocation != nil {
		v := *d.RiderLocation
		out.RiderLocation = &v
	}
	if d.DeliveryAddress.Location != nil {
		v := *d.DeliveryAddress.Location
		out.DeliveryAddress.Location = &v
	}
	return out
}

// DeliveryUpdate is the partial status push sent by the backend.
type DeliveryUpdate struct {
	OrderID       string          `json:"orderId"`
	Status        DeliveryStatus  `json:"status"`
	AssignedRider string          `json:"assignedRider,omitempty"`
	Timeline      []TimelineEntry `json:"timeline,omitempty"`
	RiderLocation *GeoPoint       `json:"riderLocation,omitempty"`
}

// DeliveryAssignment announces that an order has been routed to this rider.
type DeliveryAssignment struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
}
