package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const latestRunID = "latest"

// BlobRunStore keeps run records as JSON objects next to the mirrored data,
// plus a copy of the most recent record under runs/latest.json.
type BlobRunStore struct {
	Store  ObjectStore
	Layout Layout
}

func (s *BlobRunStore) Save(ctx context.Context, record RunRecord) error {
	if record.RunID == "" || record.RunID == latestRunID {
		return fmt.Errorf("invalid run id %q", record.RunID)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run record %s: %w", record.RunID, err)
	}
	if err := s.Store.Put(ctx, s.Layout.RunRecordPath(record.RunID), data, ContentTypeJSON); err != nil {
		return fmt.Errorf("save run record %s: %w", record.RunID, err)
	}
	if err := s.Store.Put(ctx, s.Layout.RunRecordPath(latestRunID), data, ContentTypeJSON); err != nil {
		return fmt.Errorf("save latest run record: %w", err)
	}
	return nil
}

func (s *BlobRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	return s.load(ctx, runID)
}

func (s *BlobRunStore) Latest(ctx context.Context) (*RunRecord, error) {
	return s.load(ctx, latestRunID)
}

func (s *BlobRunStore) load(ctx context.Context, id string) (*RunRecord, error) {
	data, err := s.Store.Get(ctx, s.Layout.RunRecordPath(id))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode run record %s: %w", id, err)
	}
	return &record, nil
}
