package render

import (
	"fmt"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
)

// ReceiptInput is everything the kitchen-receipt template needs. It is the
// only template the core ships (§4.1); station-specific layout beyond
// column width comes entirely from the target printer's capabilities.
type ReceiptInput struct {
	RestaurantName string
	StationName    string
	Job            model.Job
	Capabilities   model.Capabilities
	Now            time.Time
	// IncludeBarcode prints a barcode of the order number below the
	// footer. Off by default per the open question in §9 — no source
	// path in this spec mandates it.
	IncludeBarcode bool
}

// KitchenReceipt renders the fixed kitchen-receipt template described in
// §4.1: header, order metadata, item blocks, rule, footer with cut.
func KitchenReceipt(in ReceiptInput) []byte {
	cols := in.Capabilities.MaxColumns
	if cols <= 0 || cols > 80 {
		cols = 48
	}
	b := New(cols)
	b.Init()

	b.JustifyText(JustifyCenter)
	b.SizeText(Size2x2)
	b.Line(in.RestaurantName)
	b.SizeText(Size1x1)
	b.Line(in.StationName)
	b.JustifyText(JustifyLeft)

	b.Line(fmt.Sprintf("Order %s  %s", in.Job.OrderNumber, string(in.Job.OrderType)))
	if in.Job.Table != "" {
		b.Line(fmt.Sprintf("Table %s", in.Job.Table))
	}
	b.JustifyText(JustifyRight)
	b.Line(in.Now.Format("15:04:05 01/02"))
	b.JustifyText(JustifyLeft)

	b.Line(rule(cols))

	for _, item := range in.Job.Items {
		b.Bold(true)
		b.Line(fmt.Sprintf("%d x  %s", item.Quantity, item.Name))
		b.Bold(false)
		for _, mod := range item.Modifiers {
			b.Line(" +" + mod)
		}
		if item.Note != "" {
			b.Line(" !" + item.Note)
		}
	}

	b.Line(rule(cols))

	shortID := in.Job.OrderID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	b.Line("Order ID " + shortID)

	if in.IncludeBarcode {
		b.Barcode(0x49, in.Job.OrderNumber) // CODE128-ish symbology code
	}

	b.Feed(3)
	b.FullCut()
	return b.Bytes()
}

func rule(cols int) string {
	r := make([]byte, cols)
	for i := range r {
		r[i] = '-'
	}
	return string(r)
}
