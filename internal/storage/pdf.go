package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/jung-kurt/gofpdf/v2"
)

const fontFamily = "Helvetica"

// RenderTranscriptPDF lays out the call summary and its turns on A4 pages
func RenderTranscriptPDF(call domain.CallSession, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	// core fonts are cp1252; turn text arrives as UTF-8
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(fontFamily, "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Generated on %s - page %d", generatedAt.UTC().Format("2006-01-02 15:04:05"), pdf.PageNo()),
			"", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 10, tr("Call "+call.CallID), "", 1, "", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont(fontFamily, "", 10)
	summary := [][2]string{
		{"Direction", string(call.Direction)},
		{"Counterpart", call.Counterpart},
		{"Voice agent", call.VoiceAgentID},
		{"Campaign", call.CampaignID},
		{"Status", string(call.Status)},
		{"Started", call.CreatedAt.UTC().Format(time.RFC3339)},
		{"Duration", call.Duration().Round(time.Second).String()},
	}
	if call.LastError != "" {
		summary = append(summary, [2]string{"Last error", call.LastError})
	}
	for _, row := range summary {
		if row[1] == "" {
			continue
		}
		pdf.CellFormat(35, 6, row[0], "", 0, "", false, 0, "")
		pdf.MultiCell(0, 6, tr(row[1]), "", "", false)
	}
	pdf.Ln(4)

	for _, turn := range call.Turns {
		pdf.SetFont(fontFamily, "B", 10)
		pdf.CellFormat(0, 6, tr(fmt.Sprintf("%s  %s", turn.Timestamp.UTC().Format("15:04:05"), turn.Speaker)), "", 1, "", false, 0, "")
		pdf.SetFont(fontFamily, "", 11)
		pdf.MultiCell(0, 6, tr(turn.Text), "", "", false)
		pdf.Ln(1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
