package report

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"namcportal/escrow"
)

const sheet = "Sheet1"

// ActivitySource is the slice of the escrow queries the report reads.
type ActivitySource interface {
	PaymentActivity(ctx context.Context, filters escrow.PaymentActivityFilters) ([]escrow.PaymentActivityRow, error)
}

// Service renders admin payment reports.
type Service struct {
	source ActivitySource
}

func NewService(source ActivitySource) *Service {
	return &Service{source: source}
}

// PaymentActivityWorkbook builds an .xlsx workbook with one row per payout:
// escrow, item, gross, retention withheld, net, released-at. The caller owns
// the file and should Close it after writing.
func (s *Service) PaymentActivityWorkbook(ctx context.Context, filters escrow.PaymentActivityFilters) (*excelize.File, error) {
	rows, err := s.source.PaymentActivity(ctx, filters)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()

	headers := []string{
		"Escrow", "Project", "Contractor", "Kind", "Item",
		"Gross", "Retention", "Net", "Transfer Ref", "Released At",
	}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("report: header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("report: write header: %w", err)
		}
	}

	for i, row := range rows {
		gross, _ := row.Gross.Round(2).Float64()
		retention, _ := row.Retention.Round(2).Float64()
		net, _ := row.Net.Round(2).Float64()

		values := []any{
			row.EscrowID,
			row.ProjectTitle,
			row.ContractorName,
			string(row.Kind),
			row.ItemName,
			gross,
			retention,
			net,
			row.TransferRef,
			row.ReleasedAt.UTC().Format(time.RFC3339),
		}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return nil, fmt.Errorf("report: data cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("report: write row: %w", err)
			}
		}
	}

	return f, nil
}
