package billing

import (
	"context"
	"fmt"
	"io"

	"github.com/danitaetsu/buvle/ledger"
	"github.com/phpdave11/gofpdf"
)

// Receipt writes a PDF receipt for the payment with externalRef.
func (r *Reconciler) Receipt(ctx context.Context, externalRef string, w io.Writer) error {
	p, err := r.store.GetPayment(ctx, externalRef)
	if err != nil {
		return err
	}
	if p == nil {
		return ledger.ErrPaymentNotFound
	}
	student, err := r.store.GetStudent(ctx, p.StudentID)
	if err != nil {
		return err
	}
	if student == nil {
		return ledger.ErrUnknownStudent
	}
	return WriteReceipt(w, *p, *student)
}

// WriteReceipt renders a one-page receipt. Only core PDF fonts are used,
// so text is kept to Latin-1.
func WriteReceipt(w io.Writer, p ledger.Payment, st ledger.Student) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Receipt "+p.ExternalRef, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "RECEIPT")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	lines := []string{
		"Reference : " + p.ExternalRef,
		"Date      : " + p.CreatedAt.Format("2006-01-02 15:04"),
		"Student   : " + st.Name + " <" + st.Email + ">",
		"Concept   : " + concept(p.Period),
		"Amount    : " + p.Amount.String(),
	}
	if p.CreditsGranted > 0 {
		lines = append(lines, fmt.Sprintf("Credits   : %d", p.CreditsGranted))
	}
	for _, s := range lines {
		pdf.Cell(0, 7, s)
		pdf.Ln(7)
	}

	if p.Outcome == ledger.OutcomePeriodAlreadyPaid {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.MultiCell(0, 6, "This period had already been paid. This payment did not add credits.", "", "", false)
	}

	return pdf.Output(w)
}

func concept(p ledger.Period) string {
	if p.Kind == ledger.PeriodEnrollment {
		return fmt.Sprintf("Enrollment fee %d", p.Year)
	}
	return fmt.Sprintf("Monthly fee %s", p)
}
