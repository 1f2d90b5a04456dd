package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfillment status reported by the case-management backend
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusReturned  Status = "returned"
)

// Order is a customer order as returned by the backend lookup endpoints
type Order struct {
	Number        string          `json:"number"`
	CustomerName  string          `json:"customer_name"`
	NationalID    string          `json:"national_id"`
	Status        Status          `json:"status"`
	TrackingCode  string          `json:"tracking_code,omitempty"`
	Devices       []Device        `json:"devices,omitempty"`
	InvoiceAmount decimal.Decimal `json:"invoice_amount"`
	Paid          bool            `json:"paid"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Device is one physical unit on an order, addressed by serial number
type Device struct {
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Warranty     bool   `json:"warranty"`
}

// User is the customer identity resolved from a national id
type User struct {
	NationalID  string `json:"national_id"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	City        string `json:"city,omitempty"`
}

// ComplaintType categorizes a submitted complaint
type ComplaintType string

const (
	ComplaintDelivery ComplaintType = "delivery"
	ComplaintQuality  ComplaintType = "quality"
	ComplaintBilling  ComplaintType = "billing"
	ComplaintOther    ComplaintType = "other"
)

// Complaint is a customer complaint to be filed against an order
type Complaint struct {
	NationalID  string        `json:"national_id"`
	OrderNumber string        `json:"order_number,omitempty"`
	Type        ComplaintType `json:"type"`
	Text        string        `json:"text"`
}

// RepairRequest is a repair ticket for a device under warranty
type RepairRequest struct {
	NationalID   string `json:"national_id"`
	SerialNumber string `json:"serial_number"`
	Description  string `json:"description"`
}

// Ticket is the backend's acknowledgement of a submitted case
type Ticket struct {
	Number    string    `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}
