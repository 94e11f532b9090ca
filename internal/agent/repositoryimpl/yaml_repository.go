package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/taskhub/taskhub/internal/agent"
	"github.com/taskhub/taskhub/pkg/cerr"
	"github.com/taskhub/taskhub/pkg/storage"
)

const agentsPrefix = "agents"

type YAMLRepository struct {
	storage storage.Storage
}

var _ agent.Repository = (*YAMLRepository)(nil)

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(identity string) string {
	return fmt.Sprintf("%s/%s.yaml", agentsPrefix, identity)
}

func (r *YAMLRepository) Upsert(ctx context.Context, rec *agent.Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal agent record: %w", err))
	}
	if err := r.storage.Write(ctx, path(rec.Identity), data); err != nil {
		return cerr.WrapStorageWriteError("agent record", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, identity string) (*agent.Record, error) {
	data, err := r.storage.Read(ctx, path(identity))
	if err != nil {
		return nil, cerr.WrapStorageReadError("agent record", err)
	}
	var rec agent.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal agent record: %w", err))
	}
	return &rec, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*agent.Record, error) {
	paths, err := r.storage.List(ctx, agentsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("agent records", err)
	}
	var records []*agent.Record
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var rec agent.Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity < records[j].Identity
	})
	return records, nil
}
