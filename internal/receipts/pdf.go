package receipts

import (
	"bytes"
	"fmt"
	"time"

	"github.com/phpdave11/gofpdf"

	"github.com/mbd888/rideshare/internal/money"
)

// rupees formats paise for the core PDF fonts, which have no rupee glyph.
func rupees(paise int64) string {
	return "Rs. " + money.ToRupees(paise).StringFixed(2)
}

func renderPDF(r *Receipt, loc *time.Location) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Ride receipt "+r.BookingID, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "RIDE RECEIPT")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	lines := []string{
		"Receipt No   : " + r.ID,
		"Booking      : " + r.BookingID,
		"Issued       : " + r.IssuedAt.In(loc).Format("2006-01-02 15:04"),
	}
	if r.Route != "" {
		lines = append(lines,
			"Route        : "+r.Route,
			"Departure    : "+r.DepartAt.In(loc).Format("2006-01-02 15:04"),
		)
	}
	lines = append(lines,
		fmt.Sprintf("Seats        : %d", r.Seats),
		"Payment      : "+r.PaymentMethod+" ("+r.PaymentStatus+")",
		"Status       : "+r.BookingStatus,
	)
	for _, s := range lines {
		pdf.Cell(0, 7, s)
		pdf.Ln(7)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, "Total: "+rupees(r.Amount))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "I", 9)
	if r.Signature != "" {
		pdf.MultiCell(0, 5, "Verification code: "+r.Signature, "", "", false)
		pdf.MultiCell(0, 5, "Check this receipt with POST /v1/receipts/verify using the receipt number.", "", "", false)
	} else {
		pdf.MultiCell(0, 5, "This receipt is not signed.", "", "", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("receipts: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
