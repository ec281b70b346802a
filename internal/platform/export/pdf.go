package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
)

// PDFExporter renders plan snapshots as PDF documents on the local
// filesystem. Artifacts are written as <dir>/<plan-id>-v<version>.pdf.
type PDFExporter struct {
	dir string
	now func() time.Time
}

// NewPDFExporter returns an exporter writing into dir. The directory is
// created on first export if it does not exist.
func NewPDFExporter(dir string) *PDFExporter {
	return &PDFExporter{dir: dir, now: time.Now}
}

// Export renders snap to a PDF file. Rendering and filesystem failures are
// reported through the Result; only context cancellation surfaces as an
// error so callers can distinguish abandonment from a failed attempt.
func (e *PDFExporter) Export(ctx context.Context, snap Snapshot) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{Reason: fmt.Sprintf("create export directory: %v", err)}, nil
	}

	pdf := fpdf.New("P", "mm", "Letter", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr("Discharge Plan - "+snap.PatientName), false)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr("Discharge Plan"), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("%s  |  MRN %s  |  version %d", snap.PatientName, snap.MRN, snap.Version)), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("Language: %s  |  Reading level: %s  |  Exported: %s",
		snap.Language, snap.ReadingLevel, e.now().UTC().Format("2006-01-02 15:04 MST"))), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	for _, sec := range snap.Sections {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.SetFillColor(230, 236, 245)
		pdf.CellFormat(0, 8, tr(sec.Title), "", 1, "L", true, 0, "")
		pdf.Ln(1)
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 5.5, tr(sec.Body), "", "L", false)
		pdf.Ln(3)
	}

	pdf.SetFont("Helvetica", "I", 9)
	pdf.Ln(2)
	pdf.MultiCell(0, 4.5, tr(e.attestationLine(snap)), "", "L", false)

	if pdf.Error() != nil {
		return Result{Reason: fmt.Sprintf("render pdf: %v", pdf.Error())}, nil
	}

	path := filepath.Join(e.dir, fmt.Sprintf("%s-v%d.pdf", snap.PlanID, snap.Version))
	if err := pdf.OutputFileAndClose(path); err != nil {
		return Result{Reason: fmt.Sprintf("write pdf: %v", err)}, nil
	}
	return Result{Success: true, ArtifactLocation: path}, nil
}

func (e *PDFExporter) attestationLine(snap Snapshot) string {
	yn := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	return fmt.Sprintf("Finalized by %s. Teach-back completed: %s. Caregiver present: %s. Interpreter used: %s. Nurse confidence: %d/5.",
		snap.FinalizedBy, yn(snap.TeachBack), yn(snap.CaregiverJoined), yn(snap.InterpreterUsed), snap.NurseConfidence)
}
