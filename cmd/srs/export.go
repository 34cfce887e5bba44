package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/records"
	"github.com/bibliostore/srs/internal/storage"
	"github.com/bibliostore/srs/internal/stream"
)

// exportOptions selects the source records written by the export command.
type exportOptions struct {
	snapshotID string
	instanceID string
	recordType string
	state      string
	orderBy    string
}

// parseExportFlags parses the arguments following the export command.
func parseExportFlags(args []string) (*exportOptions, error) {
	opts := &exportOptions{}

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.StringVar(&opts.snapshotID, "snapshot", "", "only records of this snapshot (job execution id)")
	fs.StringVar(&opts.instanceID, "instance", "", "only records linked to this instance id")
	fs.StringVar(&opts.recordType, "type", string(records.RecordTypeMarc), "record type")
	fs.StringVar(&opts.state, "state", string(records.StateActual), "record state, empty for all states")
	fs.StringVar(&opts.orderBy, "order-by", "", "sort expression such as updatedDate,DESC")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return opts, nil
}

// filter converts the options to a record filter, rejecting malformed values with records.ErrBadRequest.
func (o *exportOptions) filter() (records.RecordFilter, error) {
	filter := records.RecordFilter{
		RecordType: records.RecordType(o.recordType),
		State:      records.RecordState(o.state),
	}

	if filter.RecordType != "" && !filter.RecordType.IsValid() {
		return filter, records.BadRequestf("unknown record type %q", o.recordType)
	}

	if filter.State != "" && !filter.State.IsValid() {
		return filter, records.BadRequestf("unknown record state %q", o.state)
	}

	for _, id := range []struct {
		value  string
		target **uuid.UUID
	}{
		{o.snapshotID, &filter.SnapshotID},
		{o.instanceID, &filter.InstanceID},
	} {
		if id.value == "" {
			continue
		}

		parsed, err := uuid.Parse(id.value)
		if err != nil {
			return filter, records.BadRequestf("invalid id %q: %v", id.value, err)
		}

		*id.target = &parsed
	}

	if o.orderBy != "" {
		fields, err := records.ParseSortFields([]string{o.orderBy})
		if err != nil {
			return filter, err
		}

		filter.OrderBy = fields
	}

	return filter, nil
}

// runExport streams the matching source records to out as one JSON collection document.
func runExport(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	opts, err := parseExportFlags(args)
	if err != nil {
		return err
	}

	filter, err := opts.filter()
	if err != nil {
		return err
	}

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = dbConn.Close()
	}()

	recordStore, err := storage.NewRecordStore(dbConn,
		storage.WithRecordLogger(logger),
		storage.WithStreamFetchSize(storageConfig.StreamFetchSize),
	)
	if err != nil {
		return err
	}

	buffered := bufio.NewWriter(out)
	w := stream.NewSourceRecordWriter(buffered)

	if err := recordStore.StreamSourceRecords(ctx, filter, w.Write); err != nil {
		return fmt.Errorf("export failed after %d records: %w", w.Written(), err)
	}

	if err := w.Close(); err != nil {
		return err
	}

	if err := buffered.Flush(); err != nil {
		return err
	}

	logger.Info("Source records exported", slog.Int("records", w.Written()))

	return nil
}
