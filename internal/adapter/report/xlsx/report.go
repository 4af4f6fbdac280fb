// Package xlsx renders the spreadsheet artifact for a completed analysis.
package xlsx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/followaudit/followaudit/internal/domain"
)

const sheetName = "Analysis"

// Renderer writes styled xlsx reports under a base directory.
type Renderer struct {
	dir string
}

// NewRenderer constructs a Renderer writing into dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Render writes {job_id}.xlsx and returns its path. Non-mutual rows sort
// first so the interesting part of the report is on top.
func (r *Renderer) Render(_ domain.Context, job domain.Job, records []domain.NonMutualRecord) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("op=xlsx.render.mkdir: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("op=xlsx.render.sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 12},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return "", fmt.Errorf("op=xlsx.render.style: %w", err)
	}
	subheaderStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D6DCE5"}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return "", fmt.Errorf("op=xlsx.render.style: %w", err)
	}
	mutualStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C6EFCE"}},
	})
	if err != nil {
		return "", fmt.Errorf("op=xlsx.render.style: %w", err)
	}
	nonMutualStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
	})
	if err != nil {
		return "", fmt.Errorf("op=xlsx.render.style: %w", err)
	}

	// Metadata block.
	meta := [][]any{
		{"Target account", "@" + job.TargetHandle},
		{"Generated", time.Now().UTC().Format("2006-01-02 15:04 UTC")},
		{"Followers", job.FollowersN},
		{"Following", job.FollowingN},
		{"Don't follow back", job.NonMutualN},
	}
	for i, row := range meta {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return "", fmt.Errorf("op=xlsx.render.meta: %w", err)
		}
	}
	if err := f.SetCellStyle(sheetName, "A1", "A5", subheaderStyle); err != nil {
		return "", fmt.Errorf("op=xlsx.render.meta_style: %w", err)
	}

	headerRow := len(meta) + 2
	headers := []any{"#", "Username", "Full name", "Follows you", "You follow", "Profile"}
	cell, _ := excelize.CoordinatesToCellName(1, headerRow)
	if err := f.SetSheetRow(sheetName, cell, &headers); err != nil {
		return "", fmt.Errorf("op=xlsx.render.header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), headerRow)
	if err := f.SetCellStyle(sheetName, cell, last, headerStyle); err != nil {
		return "", fmt.Errorf("op=xlsx.render.header_style: %w", err)
	}

	sorted := make([]domain.NonMutualRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsMutual != sorted[j].IsMutual {
			return !sorted[i].IsMutual
		}
		return sorted[i].TargetHandle < sorted[j].TargetHandle
	})

	for i, rec := range sorted {
		rowN := headerRow + 1 + i
		follows := "no"
		if rec.TargetFollowsUser {
			follows = "yes"
		}
		youFollow := "no"
		if rec.UserFollowsTarget {
			youFollow = "yes"
		}
		row := []any{
			i + 1,
			"@" + rec.TargetHandle,
			rec.TargetFullName,
			follows,
			youFollow,
			"https://www.instagram.com/" + rec.TargetHandle + "/",
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowN)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return "", fmt.Errorf("op=xlsx.render.row: %w", err)
		}
		style := nonMutualStyle
		if rec.IsMutual {
			style = mutualStyle
		}
		last, _ := excelize.CoordinatesToCellName(len(row), rowN)
		if err := f.SetCellStyle(sheetName, cell, last, style); err != nil {
			return "", fmt.Errorf("op=xlsx.render.row_style: %w", err)
		}
	}

	widths := map[string]float64{"A": 6, "B": 26, "C": 30, "D": 12, "E": 12, "F": 44}
	for col, w := range widths {
		if err := f.SetColWidth(sheetName, col, col, w); err != nil {
			return "", fmt.Errorf("op=xlsx.render.width: %w", err)
		}
	}

	path := filepath.Join(r.dir, job.ID+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("op=xlsx.render.save: %w", err)
	}
	return path, nil
}
