package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/systemshift/provprune/internal/server/core"
)

// Sheet names in the workbook
const (
	ResultsSheet = "Results"
	JobSheet     = "Job"
)

var resultHeaders = []string{
	"UUID",
	"Timestamp",
	"Show Probability",
	"Hide Probability",
	"Recommended",
	"Classified By",
}

// Source reads a job and its caller-facing results
type Source interface {
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	ResultsForJob(ctx context.Context, jobID string) ([]core.CacheRecord, error)
}

// Service renders job results as XLSX workbooks
type Service struct {
	source Source
	logger *slog.Logger
}

func NewService(source Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger}
}

// JobResultsXLSX returns a workbook with one row per result of jobID.
// Nodes without features get empty probability cells.
func (s *Service) JobResultsXLSX(ctx context.Context, jobID string) ([]byte, error) {
	start := time.Now()

	job, err := s.source.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	recs, err := s.source.ResultsForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return nil, err
	}
	for i, h := range resultHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(ResultsSheet, cell, h)
	}

	for i, r := range recs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(ResultsSheet, cell, v)
		}

		write(1, r.Node.UUID)
		write(2, r.Node.Version)
		if r.ShowProb != nil {
			write(3, *r.ShowProb)
		}
		if r.HideProb != nil {
			write(4, *r.HideProb)
		}
		if r.Recommended != nil {
			write(5, string(*r.Recommended))
		}
		write(6, r.ClassifiedBy)
	}

	_ = f.SetColWidth(ResultsSheet, "A", "A", 40) // uuid
	_ = f.SetColWidth(ResultsSheet, "B", "B", 22)
	_ = f.SetColWidth(ResultsSheet, "C", "D", 16) // probabilities
	_ = f.SetColWidth(ResultsSheet, "E", "F", 22)

	if err := writeJobSheet(f, job); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(ResultsSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"job_id", jobID,
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeJobSheet(f *excelize.File, job *core.Job) error {
	if _, err := f.NewSheet(JobSheet); err != nil {
		return err
	}
	stopped := ""
	if job.StoppedAt != nil {
		stopped = job.StoppedAt.UTC().Format(time.RFC3339)
	}
	rows := [][2]string{
		{"Job ID", job.ID},
		{"Status", string(job.Status)},
		{"Started At", job.StartedAt.UTC().Format(time.RFC3339)},
		{"Stopped At", stopped},
		{"Error", job.ErrorMessage},
	}
	for i, r := range rows {
		_ = f.SetCellValue(JobSheet, fmt.Sprintf("A%d", i+1), r[0])
		_ = f.SetCellValue(JobSheet, fmt.Sprintf("B%d", i+1), r[1])
	}
	_ = f.SetColWidth(JobSheet, "A", "A", 14)
	_ = f.SetColWidth(JobSheet, "B", "B", 40)
	return nil
}
