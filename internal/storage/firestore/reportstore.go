package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
	"github.com/tinywideclouds/go-apns-delivery/pkg/dispatch"
)

// DefaultCollection holds one document per batch, keyed by batch id.
const DefaultCollection = "deliveries"

// ReportStore implements dispatch.ReportStore using Google Cloud Firestore.
type ReportStore struct {
	client     *firestore.Client
	collection string
}

// NewReportStore creates a store over the given collection, or
// DefaultCollection when it is empty.
func NewReportStore(client *firestore.Client, collection string) *ReportStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &ReportStore{client: client, collection: collection}
}

func (s *ReportStore) Save(ctx context.Context, report *delivery.Report) error {
	if report.BatchID == "" {
		return errors.New("report has no batch id")
	}
	if _, err := s.reportRef(report.BatchID).Set(ctx, report); err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.BatchID, err)
	}
	return nil
}

func (s *ReportStore) Get(ctx context.Context, batchID string) (*delivery.Report, error) {
	doc, err := s.reportRef(batchID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, dispatch.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report %s: %w", batchID, err)
	}

	var report delivery.Report
	if err := doc.DataTo(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", batchID, err)
	}
	return &report, nil
}

func (s *ReportStore) List(ctx context.Context, limit int) ([]*delivery.Report, error) {
	iter := s.client.Collection(s.collection).
		OrderBy("finished_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	reports := make([]*delivery.Report, 0, limit)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var report delivery.Report
		if err := doc.DataTo(&report); err != nil {
			// Skip documents written by an incompatible schema.
			continue
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

// reportRef: deliveries/{batchID}
func (s *ReportStore) reportRef(batchID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(batchID)
}
