package main

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/firewatch-iot/firewatch/pkg/models"
)

const exportSheet = "History"

var exportHeaders = []string{
	"Timestamp",
	"Smoke (MQ-2)",
	"Temperature (°C)",
	"Humidity (%)",
	"Status",
	"Level",
}

// writeHistoryWorkbook renders history rows as a styled spreadsheet:
// dark bold header row, frozen panes, columns sized to content.
// Timestamps stay raw unix seconds; the viewer formats them in their
// own timezone.
func writeHistoryWorkbook(w io.Writer, items []models.ClassifiedReading) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"1F2937"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for col, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return fmt.Errorf("write header %q: %w", h, err)
		}
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err := f.SetCellStyle(exportSheet, "A1", lastHeader, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, it := range items {
		row := i + 2
		values := []any{it.Timestamp, it.Smoke, it.Temperature, it.Humidity, string(it.Status), it.Level}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header row: %w", err)
	}

	if err := autosizeColumns(f, items); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// autosizeColumns widens each column to its longest cell, capped at 40.
func autosizeColumns(f *excelize.File, items []models.ClassifiedReading) error {
	const maxWidth = 40

	for col := range exportHeaders {
		width := len(exportHeaders[col])
		for _, it := range items {
			var s string
			switch col {
			case 0:
				s = fmt.Sprintf("%d", it.Timestamp)
			case 1:
				s = fmt.Sprintf("%d", it.Smoke)
			case 2:
				s = fmt.Sprintf("%g", it.Temperature)
			case 3:
				s = fmt.Sprintf("%g", it.Humidity)
			case 4:
				s = string(it.Status)
			case 5:
				s = fmt.Sprintf("%d", it.Level)
			}
			if len(s) > width {
				width = len(s)
			}
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		w := float64(width + 2)
		if w > maxWidth {
			w = maxWidth
		}
		if err := f.SetColWidth(exportSheet, name, name, w); err != nil {
			return fmt.Errorf("size column %s: %w", name, err)
		}
	}
	return nil
}
