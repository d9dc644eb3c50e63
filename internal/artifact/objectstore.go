package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

const objectBucket = "rund_artifacts"

// ObjectStore is a Store backed by a JetStream object store bucket, for
// deployments where artifacts must survive the process. Records travel in
// object metadata so Get needs no second lookup.
type ObjectStore struct {
	ttl time.Duration
	obs nats.ObjectStore
}

// NewObjectStore binds to the artifact bucket, creating it if absent.
func NewObjectStore(js nats.JetStreamContext, ttl time.Duration) (*ObjectStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	obs, err := js.ObjectStore(objectBucket)
	if errors.Is(err, nats.ErrStreamNotFound) {
		obs, err = js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: objectBucket})
	}
	if err != nil {
		return nil, fmt.Errorf("ensure artifact bucket: %w", err)
	}
	return &ObjectStore{ttl: ttl, obs: obs}, nil
}

func (s *ObjectStore) Put(ctx context.Context, runID string, content []byte) (*orc.Artifact, error) {
	if len(content) == 0 {
		return nil, orc.Errorf(orc.KindValidation, "artifact content is empty")
	}

	id := uuid.New().String()
	now := time.Now()
	art := &orc.Artifact{
		ID:        id,
		RunID:     runID,
		Hash:      hashContent(content),
		Ref:       fmt.Sprintf("obj://%s/%s", objectBucket, id),
		Size:      int64(len(content)),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	record, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("encode artifact record: %w", err)
	}

	meta := &nats.ObjectMeta{
		Name:        id,
		Description: string(record),
	}
	if _, err := s.obs.Put(meta, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("store artifact %s: %w", id, err)
	}
	return art, nil
}

func (s *ObjectStore) Get(ctx context.Context, id string) ([]byte, *orc.Artifact, error) {
	info, err := s.obs.GetInfo(id)
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("artifact info %s: %w", id, err)
	}

	var art orc.Artifact
	if err := json.Unmarshal([]byte(info.Description), &art); err != nil {
		return nil, nil, fmt.Errorf("decode artifact record %s: %w", id, err)
	}

	content, err := s.obs.GetBytes(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load artifact %s: %w", id, err)
	}
	return content, &art, nil
}

func (s *ObjectStore) Sweep(ctx context.Context) (int, error) {
	infos, err := s.obs.List()
	if errors.Is(err, nats.ErrNoObjectsFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, info := range infos {
		var art orc.Artifact
		if err := json.Unmarshal([]byte(info.Description), &art); err != nil {
			continue
		}
		if art.ExpiresAt.Before(now) {
			if err := s.obs.Delete(info.Name); err != nil {
				return removed, fmt.Errorf("delete artifact %s: %w", info.Name, err)
			}
			removed++
		}
	}
	return removed, nil
}
