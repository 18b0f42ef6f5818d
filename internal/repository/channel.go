package repository

import (
	"context"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

type ChannelRepository struct {
	m     *store.Mapper
	locks *store.Locker
}

func NewChannelRepository(s *store.Store, locks *store.Locker) *ChannelRepository {
	return &ChannelRepository{
		m:     store.NewMapper("channel", s, locks),
		locks: locks,
	}
}

// Save creates the channel under the uniqueness protocol on its name.
func (r *ChannelRepository) Save(ctx context.Context, c *types.Channel) error {
	return createUnique(ctx, r.m, r.locks, c.Name, func(id uint64) error {
		c.Id = id
		return r.m.Write(ctx, id, channelFields(c))
	})
}

func (r *ChannelRepository) Delete(ctx context.Context, c *types.Channel) error {
	if err := r.m.DeleteIndex(ctx, c.Name); err != nil {
		return err
	}
	return r.m.Delete(ctx, c.Id)
}

func (r *ChannelRepository) GetOne(ctx context.Context, id uint64) (*types.Channel, error) {
	fields, err := r.m.Read(ctx, id)
	if err != nil || fields == nil {
		return nil, err
	}
	return channelFromFields(fields)
}

func (r *ChannelRepository) GetMany(ctx context.Context, ids []uint64) ([]types.Channel, error) {
	results, err := r.m.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	channels := make([]types.Channel, 0, len(results))
	for _, fields := range results {
		if fields == nil {
			continue
		}
		c, err := channelFromFields(fields)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, nil
}

// Filter supports the Name shape only.
func (r *ChannelRepository) Filter(ctx context.Context, q Query) (*types.Channel, error) {
	if q.Name == "" {
		return nil, store.ErrInvalidQuery
	}

	id, err := r.m.GetIndex(ctx, q.Name)
	if err != nil {
		return nil, err
	}
	return r.GetOne(ctx, id)
}

func channelFields(c *types.Channel) map[string]string {
	return map[string]string{
		"id":   formatUint(c.Id),
		"name": c.Name,
	}
}

func channelFromFields(fields map[string]string) (*types.Channel, error) {
	id, err := fieldUint(fields, "id")
	if err != nil {
		return nil, err
	}

	return &types.Channel{
		Id:   id,
		Name: fields["name"],
	}, nil
}
