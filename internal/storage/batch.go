package storage

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bibliostore/srs/internal/metrics"
	"github.com/bibliostore/srs/internal/records"
)

// SaveMany saves each record in its own transaction, at most batchConcurrency at a time.
//
// A failed record never affects the others: its error message is collected and the batch continues.
// The response lists committed records in input order and TotalRecords counts them only.
// An error is returned only when ctx ends before the batch completes; the response still describes
// every record processed up to then.
func (s *RecordStore) SaveMany(ctx context.Context, recs []*records.Record) (*records.RecordsBatchResponse, error) {
	saved := make([]*records.Record, len(recs))
	errs := make([]error, len(recs))

	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)

	for i, rec := range recs {
		g.Go(func() error {
			saved[i], errs[i] = s.Save(ctx, rec)

			return nil
		})
	}

	_ = g.Wait() // Workers never return errors; failures are collected per record

	response := &records.RecordsBatchResponse{
		Records:       []*records.Record{},
		ErrorMessages: []string{},
	}

	for i := range recs {
		if errs[i] != nil {
			response.ErrorMessages = append(response.ErrorMessages, errs[i].Error())

			continue
		}

		response.Records = append(response.Records, saved[i])
	}

	response.TotalRecords = len(response.Records)

	metrics.BatchRecordsTotal.WithLabelValues(metrics.Ok).Add(float64(len(response.Records)))
	metrics.BatchRecordsTotal.WithLabelValues(metrics.Fail).Add(float64(len(response.ErrorMessages)))

	s.logger.Info("record batch saved",
		slog.Int("records_total", len(recs)),
		slog.Int("records_saved", response.TotalRecords),
		slog.Int("records_failed", len(response.ErrorMessages)))

	if ctx.Err() != nil {
		return response, classify(fmt.Errorf("record batch interrupted: %w", ctx.Err()))
	}

	return response, nil
}
