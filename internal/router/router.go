// Package router fans an incoming Order into one Job descriptor per
// routing group (§4.6). It is a pure function of (Order, routing config);
// it never touches the queue or a concrete printer — the printer is
// decided at lease time, by whichever printer's dispatch worker leases the
// job, so that a printer coming online after the order arrived can still
// take it.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
	"github.com/google/uuid"
)

// ErrTooManyItems is returned when an order exceeds the §8 boundary.
var ErrTooManyItems = fmt.Errorf("order exceeds %d items", model.MaxOrderItems)

// Config is the snapshot of routing state the router consults. It is
// cloned under a lock by the caller (the config store) and the router
// itself runs lock-free against that clone, matching the §5 concurrency
// model: "a lock-protected routing table snapshot is cloned under the
// lock and the body runs lock-free".
type Config struct {
	Groups       []model.RoutingGroup
	Assignments  []model.StationAssignment
	DefaultGroup string
}

// HasAnyAssignment reports whether groupID has at least one assigned
// printer (primary or backup).
func (c Config) HasAnyAssignment(groupID string) bool {
	for _, a := range c.Assignments {
		if a.GroupID == groupID {
			return true
		}
	}
	return false
}

// Route implements §4.6's procedure: bucket items by routing_group_id
// (falling back to DefaultGroup), emit one Job descriptor per non-empty
// bucket. A group with no assigned printer gets a dead-on-arrival Job so
// the failure is visible in queue stats rather than silently dropped.
func Route(order model.Order, cfg Config, now time.Time) ([]model.Job, error) {
	if len(order.Items) > model.MaxOrderItems {
		return nil, ErrTooManyItems
	}

	groupOrder := make([]string, 0, 4)
	buckets := make(map[string][]model.OrderItem)
	for _, item := range order.Items {
		gid := item.RoutingGroupID
		if gid == "" {
			gid = cfg.DefaultGroup
		}
		if _, ok := buckets[gid]; !ok {
			groupOrder = append(groupOrder, gid)
		}
		buckets[gid] = append(buckets[gid], item)
	}

	jobs := make([]model.Job, 0, len(groupOrder))
	for _, gid := range groupOrder {
		items := buckets[gid]
		job := model.Job{
			JobID:         uuid.NewString(),
			OrderID:       order.OrderID,
			OrderNumber:   order.OrderNumber,
			GroupID:       gid,
			Items:         items,
			OrderType:     order.Type,
			Table:         order.Table,
			Priority:      model.DefaultPriority,
			Status:        model.JobPending,
			CreatedAt:     now,
			UpdatedAt:     now,
			NextAttemptAt: now,
			DedupKey:      DedupKey(order.OrderID, gid),
		}
		if !cfg.HasAnyAssignment(gid) {
			job.Status = model.JobDead
			job.LastError = "no_printer_assigned"
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DedupKey is hash(order_id, group_id): the idempotence key used by the
// queue's enqueue operation (§4.5, §8 property 2).
func DedupKey(orderID, groupID string) string {
	sum := sha256.Sum256([]byte(orderID + "|" + groupID))
	return hex.EncodeToString(sum[:])
}
