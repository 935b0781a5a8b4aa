// Package model holds the shared domain types that flow between the
// router, queue, dispatcher, and sync client. None of these types carry
// behavior beyond small invariant helpers; ownership of the mutable
// lifecycle lives in the package that owns the record (queue owns Job,
// config owns Printer/RoutingGroup/StationAssignment).
package model

import (
	"time"

	"github.com/google/uuid"
)

// TransportKind identifies which physical transport a printer uses.
type TransportKind string

const (
	TransportUSB       TransportKind = "usb"
	TransportNetwork   TransportKind = "network"
	TransportBluetooth TransportKind = "bluetooth"
)

// PrinterStatus is the liveness state of a configured printer.
type PrinterStatus string

const (
	PrinterOnline   PrinterStatus = "online"
	PrinterOffline  PrinterStatus = "offline"
	PrinterDisabled PrinterStatus = "disabled"
)

// Capabilities describes what a printer can physically do.
type Capabilities struct {
	Cutter     bool `json:"cutter"`
	Drawer     bool `json:"drawer"`
	QRCode     bool `json:"qrcode"`
	MaxColumns int  `json:"max_columns"`
}

// Printer is the persistent record of a single physical kitchen printer.
type Printer struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Transport    TransportKind `json:"transport"`
	Address      string        `json:"address"`
	Protocol     string        `json:"protocol"`
	Capabilities Capabilities  `json:"capabilities"`
	LastSeen     time.Time     `json:"last_seen"`
	Status       PrinterStatus `json:"status"`
}

// StationRole is a printer's role within a routing group.
type StationRole string

const (
	RolePrimary StationRole = "primary"
	RoleBackup  StationRole = "backup"
)

// RoutingGroup is a named production station, e.g. "grill" or "bar".
type RoutingGroup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	Colour    string `json:"colour"`
}

// StationAssignment binds a printer to a routing group with a role.
// Invariant: at most one primary per (GroupID) within a restaurant; any
// number of backups; a printer may appear in multiple groups.
type StationAssignment struct {
	GroupID   string      `json:"group_id"`
	PrinterID string      `json:"printer_id"`
	Role      StationRole `json:"role"`
}

// OrderType is the service channel an order came through.
type OrderType string

const (
	OrderDineIn   OrderType = "dine_in"
	OrderTakeaway OrderType = "takeaway"
	OrderDelivery OrderType = "delivery"
)

// OrderItem is a single line item on an incoming order.
type OrderItem struct {
	MenuItemID     string   `json:"menu_item_id,omitempty"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	Modifiers      []string `json:"modifiers,omitempty"`
	Note           string   `json:"note,omitempty"`
	RoutingGroupID string   `json:"routing_group_id,omitempty"`
}

// Order is the transient ingress payload; it is never itself persisted —
// the router fans it out into Job descriptors which the queue persists.
type Order struct {
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	Type        OrderType   `json:"type"`
	Table       string      `json:"table,omitempty"`
	Items       []OrderItem `json:"items"`
}

// MaxOrderItems is the boundary from §8: above this, ingress rejects the
// order as malformed rather than enqueueing a partial job.
const MaxOrderItems = 500

// JobStatus is a Job's position in its status DAG:
// pending -> in_flight -> {done, pending (after backoff), dead}.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobInFlight JobStatus = "in_flight"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobDead     JobStatus = "dead"
)

// DefaultMaxAttempts is the ceiling on attempt_count before a job is
// considered dead regardless of failure kind.
const DefaultMaxAttempts = 5

// DefaultPriority is used when an order item's group carries no explicit
// priority hint.
const DefaultPriority = 3

// Job is one unit of printing, scoped to a single routing group. It is not
// bound to a printer at enqueue time: any worker whose printer serves
// GroupID may lease it, so a printer that comes online after the order
// arrived can still take it. The queue does not record which printer
// leased a job; PrinterID keeps whatever value it was enqueued with.
type Job struct {
	JobID         string      `json:"job_id"`
	OrderID       string      `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	GroupID       string      `json:"group_id"`
	PrinterID     string      `json:"printer_id,omitempty"`
	Items         []OrderItem `json:"items"`
	OrderType     OrderType   `json:"order_type"`
	Table         string      `json:"table,omitempty"`
	Priority      int         `json:"priority"`
	Status        JobStatus   `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	LastError     string      `json:"last_error,omitempty"`
	DedupKey      string      `json:"dedup_key"`
}

// IsTerminal reports whether a job status never transitions further.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobDead
}

// FailureKind classifies a dispatch failure for the queue's retry policy.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// printerNamespace is the fixed UUIDv5 namespace used to derive stable
// printer_id values from transport-specific address fields, so rediscovery
// of the same physical printer always yields the same id.
var printerNamespace = uuid.MustParse("8f14e45f-ceea-467e-9575-f66c0c5fb8c5")

// DerivePrinterID builds a stable printer_id from transport kind plus the
// fields that uniquely address the device on that transport (vendor id,
// product id, serial for USB; host:port for network; MAC for BLE).
func DerivePrinterID(transport TransportKind, fields ...string) string {
	name := string(transport)
	for _, f := range fields {
		name += "|" + f
	}
	return uuid.NewSHA1(printerNamespace, []byte(name)).String()
}
