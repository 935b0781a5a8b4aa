package router

import (
	"testing"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Groups: []model.RoutingGroup{{ID: "kitchen"}, {ID: "bar"}, {ID: "grill"}},
		Assignments: []model.StationAssignment{
			{GroupID: "kitchen", PrinterID: "p1", Role: model.RolePrimary},
			{GroupID: "bar", PrinterID: "p2", Role: model.RolePrimary},
			{GroupID: "grill", PrinterID: "p3", Role: model.RolePrimary},
		},
		DefaultGroup: "kitchen",
	}
}

func TestSingleStationFallsBackToDefault(t *testing.T) {
	order := model.Order{
		OrderID:     "o1",
		OrderNumber: "R001-0001",
		Type:        model.OrderDineIn,
		Items: []model.OrderItem{
			{Name: "Burger", Quantity: 2, Modifiers: []string{"no onion"}},
		},
	}
	jobs, err := Route(order, testConfig(), time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "kitchen", jobs[0].GroupID)
	assert.Equal(t, model.JobPending, jobs[0].Status)
	assert.Len(t, jobs[0].Items, 1)
}

func TestMultiStationSplit(t *testing.T) {
	order := model.Order{
		OrderID: "o2",
		Items: []model.OrderItem{
			{Name: "Cola", Quantity: 1, RoutingGroupID: "bar"},
			{Name: "Steak", Quantity: 1, Modifiers: []string{"rare"}, RoutingGroupID: "grill"},
		},
	}
	jobs, err := Route(order, testConfig(), time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byGroup := map[string]model.Job{}
	for _, j := range jobs {
		byGroup[j.GroupID] = j
	}
	require.Contains(t, byGroup, "bar")
	require.Contains(t, byGroup, "grill")
	assert.Equal(t, "Cola", byGroup["bar"].Items[0].Name)
	assert.Equal(t, "Steak", byGroup["grill"].Items[0].Name)
}

func TestNoItemsDuplicatedOrLost(t *testing.T) {
	order := model.Order{
		OrderID: "o3",
		Items: []model.OrderItem{
			{Name: "A", Quantity: 1, RoutingGroupID: "bar"},
			{Name: "B", Quantity: 1, RoutingGroupID: "bar"},
			{Name: "C", Quantity: 1, RoutingGroupID: "grill"},
		},
	}
	jobs, err := Route(order, testConfig(), time.Now())
	require.NoError(t, err)

	total := 0
	for _, j := range jobs {
		total += len(j.Items)
	}
	assert.Equal(t, len(order.Items), total)
}

func TestUnassignedGroupYieldsDeadJob(t *testing.T) {
	order := model.Order{
		OrderID: "o4",
		Items: []model.OrderItem{
			{Name: "Mystery", Quantity: 1, RoutingGroupID: "dessert"},
		},
	}
	jobs, err := Route(order, testConfig(), time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobDead, jobs[0].Status)
	assert.Equal(t, "no_printer_assigned", jobs[0].LastError)
}

func TestTooManyItemsRejected(t *testing.T) {
	items := make([]model.OrderItem, model.MaxOrderItems+1)
	for i := range items {
		items[i] = model.OrderItem{Name: "x", Quantity: 1}
	}
	_, err := Route(model.Order{OrderID: "o5", Items: items}, testConfig(), time.Now())
	assert.ErrorIs(t, err, ErrTooManyItems)
}

func TestDedupKeyStableForSameOrderAndGroup(t *testing.T) {
	a := DedupKey("o1", "kitchen")
	b := DedupKey("o1", "kitchen")
	c := DedupKey("o1", "bar")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
