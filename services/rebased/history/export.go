package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ExportFiles names the files written by Export.
type ExportFiles struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// RebasesSince returns accepted reports with a timestamp at or after from,
// oldest first.
func (s *Store) RebasesSince(ctx context.Context, from uint64) ([]Rebase, error) {
	var rows []Rebase
	err := s.db.WithContext(ctx).
		Where("report_timestamp >= ?", from).
		Order("report_timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list rebases: %w", err)
	}
	return rows, nil
}

// Export writes the rebases at or after from to rebases.csv and
// rebases.parquet under dir.
func (s *Store) Export(ctx context.Context, dir string, from uint64) (ExportFiles, error) {
	rows, err := s.RebasesSince(ctx, from)
	if err != nil {
		return ExportFiles{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportFiles{}, fmt.Errorf("history: create export dir: %w", err)
	}
	files := ExportFiles{
		CSVPath:     filepath.Join(dir, "rebases.csv"),
		ParquetPath: filepath.Join(dir, "rebases.parquet"),
		Count:       len(rows),
	}
	if err := writeCSV(files.CSVPath, rows); err != nil {
		return ExportFiles{}, err
	}
	if err := writeParquet(files.ParquetPath, rows); err != nil {
		return ExportFiles{}, err
	}
	return files, nil
}

var exportHeader = []string{
	"request_id", "report_timestamp", "time_elapsed",
	"pre_total_shares", "pre_total_value", "post_total_shares", "post_total_value",
	"shares_minted_as_fees", "pre_cl_balance", "post_cl_balance",
	"pre_cl_validators", "post_cl_validators", "value_locked", "shares_burnt",
	"apr", "created_at",
}

func writeCSV(path string, rows []Rebase) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("history: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(exportHeader); err != nil {
		return fmt.Errorf("history: write csv header: %w", err)
	}
	for _, row := range rows {
		apr, err := row.APR()
		if err != nil {
			return err
		}
		record := []string{
			row.RequestID,
			strconv.FormatUint(row.ReportTimestamp, 10),
			strconv.FormatUint(row.TimeElapsed, 10),
			row.PreTotalShares,
			row.PreTotalValue,
			row.PostTotalShares,
			row.PostTotalValue,
			row.SharesMintedAsFees,
			row.PreCLBalance,
			row.PostCLBalance,
			strconv.FormatUint(row.PreCLValidators, 10),
			strconv.FormatUint(row.PostCLValidators, 10),
			row.ValueLocked,
			row.SharesBurnt,
			strconv.FormatFloat(apr, 'f', 8, 64),
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("history: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("history: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RequestID          string  `parquet:"name=request_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReportTimestamp    int64   `parquet:"name=report_timestamp, type=INT64"`
	TimeElapsed        int64   `parquet:"name=time_elapsed, type=INT64"`
	PreTotalShares     string  `parquet:"name=pre_total_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreTotalValue      string  `parquet:"name=pre_total_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostTotalShares    string  `parquet:"name=post_total_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostTotalValue     string  `parquet:"name=post_total_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	SharesMintedAsFees string  `parquet:"name=shares_minted_as_fees, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreCLBalance       string  `parquet:"name=pre_cl_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostCLBalance      string  `parquet:"name=post_cl_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreCLValidators    int64   `parquet:"name=pre_cl_validators, type=INT64"`
	PostCLValidators   int64   `parquet:"name=post_cl_validators, type=INT64"`
	ValueLocked        string  `parquet:"name=value_locked, type=BYTE_ARRAY, convertedtype=UTF8"`
	SharesBurnt        string  `parquet:"name=shares_burnt, type=BYTE_ARRAY, convertedtype=UTF8"`
	APR                float64 `parquet:"name=apr, type=DOUBLE"`
	CreatedAt          string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Rebase) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("history: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("history: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		apr, err := row.APR()
		if err != nil {
			pw.WriteStop()
			file.Close()
			return err
		}
		pr := &parquetRow{
			RequestID:          row.RequestID,
			ReportTimestamp:    int64(row.ReportTimestamp),
			TimeElapsed:        int64(row.TimeElapsed),
			PreTotalShares:     row.PreTotalShares,
			PreTotalValue:      row.PreTotalValue,
			PostTotalShares:    row.PostTotalShares,
			PostTotalValue:     row.PostTotalValue,
			SharesMintedAsFees: row.SharesMintedAsFees,
			PreCLBalance:       row.PreCLBalance,
			PostCLBalance:      row.PostCLBalance,
			PreCLValidators:    int64(row.PreCLValidators),
			PostCLValidators:   int64(row.PostCLValidators),
			ValueLocked:        row.ValueLocked,
			SharesBurnt:        row.SharesBurnt,
			APR:                apr,
			CreatedAt:          row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("history: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("history: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("history: close parquet: %w", err)
	}
	return nil
}
