package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/dtroode/academysync/internal/model"
)

const (
	documentSuffix = ".json"
	// appliedPrefix holds one marker per applied operation.
	appliedPrefix = "_applied/"
)

// envelope is the object body stored for each document.
type envelope struct {
	Collection model.Collection `json:"collection"`
	ID         string           `json:"id"`
	Revision   int64            `json:"revision"`
	Deleted    bool             `json:"deleted"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Payload    json.RawMessage  `json:"payload"`
}

type appliedMarker struct {
	Key       string    `json:"key"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ model.Remote = (*DocumentStore)(nil)

// DocumentStore is the remote document store over an S3-compatible bucket.
// It assumes a single writer per document; concurrent writers may both read the
// same revision.
type DocumentStore struct {
	client  *Client
	overlap time.Duration
	now     func() time.Time
}

func NewDocumentStore(client *Client, overlap time.Duration) *DocumentStore {
	return &DocumentStore{
		client:  client,
		overlap: overlap,
		now:     time.Now,
	}
}

func objectName(key model.Key) string {
	return string(key.Collection) + "/" + key.ID + documentSuffix
}

func (s *DocumentStore) Apply(ctx context.Context, op model.PendingOperation) (model.Ack, error) {
	if err := s.client.ensureReady(ctx); err != nil {
		return model.Ack{}, err
	}

	var marker appliedMarker
	found, err := s.getJSON(ctx, appliedPrefix+op.ID+documentSuffix, &marker)
	if err != nil {
		return model.Ack{}, fmt.Errorf("failed to check operation %s: %w", op.ID, err)
	}
	if found {
		return model.Ack{Revision: marker.Revision, UpdatedAt: marker.UpdatedAt}, nil
	}

	var current envelope
	exists, err := s.getJSON(ctx, objectName(op.Key), &current)
	if err != nil {
		return model.Ack{}, fmt.Errorf("failed to read %s: %w", op.Key, err)
	}

	next := envelope{
		Collection: op.Key.Collection,
		ID:         op.Key.ID,
		Revision:   current.Revision + 1,
		UpdatedAt:  s.now().UTC(),
		Payload:    op.Payload,
	}

	switch op.Kind {
	case model.OperationCreate, model.OperationUpdate:
		if !isObject(op.Payload) {
			return model.Ack{}, fmt.Errorf("%w: payload of %s is not a JSON object", model.ErrRemoteValidation, op.Key)
		}
	case model.OperationDelete:
		if !exists {
			return model.Ack{}, fmt.Errorf("%w: %s does not exist", model.ErrRemoteValidation, op.Key)
		}
		next.Deleted = true
		if len(op.Payload) == 0 {
			next.Payload = current.Payload
		}
	default:
		return model.Ack{}, fmt.Errorf("%w: unknown operation kind %q", model.ErrRemoteValidation, op.Kind)
	}

	if err := s.putJSON(ctx, objectName(op.Key), next); err != nil {
		return model.Ack{}, fmt.Errorf("failed to write %s: %w", op.Key, err)
	}

	ack := model.Ack{Revision: next.Revision, UpdatedAt: next.UpdatedAt}
	marker = appliedMarker{Key: op.Key.String(), Revision: ack.Revision, UpdatedAt: ack.UpdatedAt}
	if err := s.putJSON(ctx, appliedPrefix+op.ID+documentSuffix, marker); err != nil {
		return model.Ack{}, fmt.Errorf("failed to record operation %s: %w", op.ID, err)
	}
	return ack, nil
}

// ChangesSince lists document objects modified after since. The returned time is
// the newest modification seen, or since when nothing changed.
func (s *DocumentStore) ChangesSince(ctx context.Context, since time.Time) ([]model.Record, time.Time, error) {
	if err := s.client.ensureReady(ctx); err != nil {
		return nil, time.Time{}, err
	}

	from := since
	if !from.IsZero() {
		from = from.Add(-s.overlap)
	}

	type change struct {
		name     string
		modified time.Time
	}
	var changed []change
	latest := since

	for _, collection := range model.Collections {
		objects := s.client.api.ListObjects(ctx, s.client.bucket, minio.ListObjectsOptions{
			Prefix:    string(collection) + "/",
			Recursive: true,
		})
		for obj := range objects {
			if obj.Err != nil {
				return nil, time.Time{}, fmt.Errorf("failed to list %s: %w", collection, classify(obj.Err))
			}
			if !strings.HasSuffix(obj.Key, documentSuffix) || !obj.LastModified.After(from) {
				continue
			}
			changed = append(changed, change{name: obj.Key, modified: obj.LastModified})
			if obj.LastModified.After(latest) {
				latest = obj.LastModified
			}
		}
	}

	sort.SliceStable(changed, func(i, j int) bool { return changed[i].modified.Before(changed[j].modified) })

	records := make([]model.Record, 0, len(changed))
	for _, c := range changed {
		// The object name is the document identity; the envelope cannot move it.
		key, err := model.ParseKey(strings.TrimSuffix(c.name, documentSuffix))
		if err != nil {
			continue
		}
		var env envelope
		found, err := s.getJSON(ctx, c.name, &env)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to read %s: %w", c.name, err)
		}
		if !found {
			continue
		}
		records = append(records, model.Record{
			Collection: key.Collection,
			ID:         key.ID,
			Revision:   env.Revision,
			Deleted:    env.Deleted,
			UpdatedAt:  env.UpdatedAt,
			Payload:    env.Payload,
		})
	}

	return records, latest, nil
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// getJSON decodes the named object into v and reports whether it exists.
func (s *DocumentStore) getJSON(ctx context.Context, name string, v any) (bool, error) {
	if _, err := s.client.api.StatObject(ctx, s.client.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}

	rc, err := s.client.api.GetObject(ctx, s.client.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return false, classify(err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("malformed object %s: %w", name, err)
	}
	return true, nil
}

func (s *DocumentStore) putJSON(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.api.PutObject(ctx, s.client.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return classify(err)
}

func isObject(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
