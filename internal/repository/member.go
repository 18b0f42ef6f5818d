package repository

import (
	"context"
	"strconv"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

// MemberRepository persists channel memberships. Each membership is
// indexed twice, as a sorted set on the channel side and on the user
// side, scored by the counterpart id so the pair lookup can intersect
// the two.
type MemberRepository struct {
	m     *store.Mapper
	locks *store.Locker
}

func NewMemberRepository(s *store.Store, locks *store.Locker) *MemberRepository {
	return &MemberRepository{
		m:     store.NewMapper("channel_user", s, locks),
		locks: locks,
	}
}

// Save persists the membership and writes both sorted relation sets.
// A record appears on both sides or, before Save completes, on neither.
func (r *MemberRepository) Save(ctx context.Context, cm *types.ChannelMember) error {
	id, err := r.m.AllocateID(ctx)
	if err != nil {
		return err
	}
	cm.Id = id

	if err := r.m.Write(ctx, id, memberFields(cm)); err != nil {
		return err
	}

	if err := r.m.AddMemberRelation(ctx, "channel", cm.Channel, "user", cm.User, id); err != nil {
		return err
	}
	return r.m.AddMemberRelation(ctx, "user", cm.User, "channel", cm.Channel, id)
}

// Delete removes both relation entries before the record itself, so a
// concurrent pair lookup never resolves an id to a missing record.
func (r *MemberRepository) Delete(ctx context.Context, cm *types.ChannelMember) error {
	if err := r.m.RemoveMemberRelation(ctx, "channel", cm.Channel, "user", cm.Id); err != nil {
		return err
	}
	if err := r.m.RemoveMemberRelation(ctx, "user", cm.User, "channel", cm.Id); err != nil {
		return err
	}
	return r.m.Delete(ctx, cm.Id)
}

func (r *MemberRepository) GetOne(ctx context.Context, id uint64) (*types.ChannelMember, error) {
	fields, err := r.m.Read(ctx, id)
	if err != nil || fields == nil {
		return nil, err
	}
	return memberFromFields(fields)
}

// Filter supports three shapes: Channel+User resolves the single
// membership for the pair via the sorted-set intersection; Channel or
// User alone lists one side's relation set and batch-reads it. The
// pair shape yields zero or one element.
func (r *MemberRepository) Filter(ctx context.Context, q Query) ([]types.ChannelMember, error) {
	switch {
	case q.Channel != 0 && q.User != 0:
		id, err := r.m.IntersectMembers(ctx, q.Channel, q.User)
		if err != nil {
			return nil, err
		}
		cm, err := r.GetOne(ctx, id)
		if err != nil || cm == nil {
			return nil, err
		}
		return []types.ChannelMember{*cm}, nil
	case q.Channel != 0:
		return r.bySide(ctx, "channel", q.Channel, "user")
	case q.User != 0:
		return r.bySide(ctx, "user", q.User, "channel")
	default:
		return nil, store.ErrInvalidQuery
	}
}

func (r *MemberRepository) bySide(ctx context.Context, fromKind string, fromID uint64, toKind string) ([]types.ChannelMember, error) {
	ids, err := r.m.MemberRelations(ctx, fromKind, fromID, toKind)
	if err != nil {
		return nil, err
	}

	results, err := r.m.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	members := make([]types.ChannelMember, 0, len(results))
	for _, fields := range results {
		if fields == nil {
			continue
		}
		cm, err := memberFromFields(fields)
		if err != nil {
			return nil, err
		}
		members = append(members, *cm)
	}
	return members, nil
}

func memberFields(cm *types.ChannelMember) map[string]string {
	return map[string]string{
		"id":         formatUint(cm.Id),
		"channel":    formatUint(cm.Channel),
		"user":       formatUint(cm.User),
		"admin":      strconv.FormatBool(cm.Admin),
		"subscribed": formatInt(cm.Subscribed),
	}
}

func memberFromFields(fields map[string]string) (*types.ChannelMember, error) {
	id, err := fieldUint(fields, "id")
	if err != nil {
		return nil, err
	}
	channel, err := fieldUint(fields, "channel")
	if err != nil {
		return nil, err
	}
	user, err := fieldUint(fields, "user")
	if err != nil {
		return nil, err
	}
	admin, err := fieldBool(fields, "admin")
	if err != nil {
		return nil, err
	}
	subscribed, err := fieldInt(fields, "subscribed")
	if err != nil {
		return nil, err
	}

	return &types.ChannelMember{
		Id:         id,
		Channel:    channel,
		User:       user,
		Admin:      admin,
		Subscribed: subscribed,
	}, nil
}
