package redisbus

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/mschirtzinger/tasksync/internal/transport"
)

// discover returns the channels whose access list contains the identity.
func (b *Bus) discover(ctx context.Context) (map[string]transport.Channel, error) {
	all, err := b.client.HGetAll(ctx, b.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", classify(err))
	}

	visible := make(map[string]transport.Channel)
	for id, tag := range all {
		members, err := b.client.SMembers(ctx, b.aclKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read access list of %s: %w", id, classify(err))
		}
		if !slices.Contains(members, b.identity) {
			continue
		}
		sort.Strings(members)
		visible[id] = transport.Channel{ID: id, Tag: tag, Participants: members}
	}
	return visible, nil
}

// Refresh rediscovers the visible channels and adjusts the subscription.
func (b *Bus) Refresh(ctx context.Context) error {
	return b.refreshChannels(ctx, false)
}

// refreshChannels rediscovers channels. With announce set, the records of
// newly visible channels are delivered as Created events; only the receive
// goroutine announces.
func (b *Bus) refreshChannels(ctx context.Context, announce bool) error {
	visible, err := b.discover(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ps := b.pubsub
	var added, removed []string
	for id := range visible {
		if _, ok := b.channels[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range b.channels {
		if _, ok := visible[id]; !ok {
			removed = append(removed, id)
		}
	}
	b.channels = visible
	b.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)

	if ps != nil {
		if len(added) > 0 {
			topics := make([]string, len(added))
			for i, id := range added {
				topics[i] = b.topic(id)
			}
			if err := ps.Subscribe(ctx, topics...); err != nil {
				return fmt.Errorf("failed to subscribe: %w", classify(err))
			}
		}
		if len(removed) > 0 {
			topics := make([]string, len(removed))
			for i, id := range removed {
				topics[i] = b.topic(id)
			}
			if err := ps.Unsubscribe(ctx, topics...); err != nil {
				return fmt.Errorf("failed to unsubscribe: %w", classify(err))
			}
		}
	}

	for _, id := range added {
		b.logger.Printf("Joined channel %s (%s)", id, visible[id].Tag)
	}
	for _, id := range removed {
		b.logger.Printf("Left channel %s", id)
	}

	if announce {
		for _, id := range added {
			b.announce(ctx, id)
		}
	}
	return nil
}

// announce delivers the current records of a channel as Created events.
func (b *Bus) announce(ctx context.Context, channelID string) {
	items, err := b.client.HGetAll(ctx, b.itemsKey(channelID)).Result()
	if err != nil {
		b.logger.Printf("WARNING: Failed to read channel %s: %v", channelID, err)
		return
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec, err := transport.DecodeRecord([]byte(items[id]))
		if err != nil {
			b.emit(transport.Event{Kind: transport.EventCreated, RemoteID: id, Err: err})
			continue
		}
		b.emit(transport.Event{Kind: transport.EventCreated, RemoteID: id, Record: &rec})
	}
}

// EnsureChannel implements transport.ChannelManager. The access list is the
// participants plus the own identity. An empty participant list deletes the
// channel.
func (b *Bus) EnsureChannel(ctx context.Context, tag string, participants []string) error {
	if tag == "" {
		return fmt.Errorf("tag cannot be empty")
	}

	visible, err := b.discover(ctx)
	if err != nil {
		return err
	}
	var id string
	for _, ch := range visible {
		if ch.Tag == tag && (id == "" || ch.ID < id) {
			id = ch.ID
		}
	}

	if len(participants) == 0 {
		if id == "" {
			return nil
		}
		if err := b.deleteChannel(ctx, id); err != nil {
			return err
		}
		b.logger.Printf("Deleted channel %s for %s", id, tag)
		return b.Refresh(ctx)
	}

	want := append(slices.Clone(participants), b.identity)
	slices.Sort(want)
	want = slices.Compact(want)

	var current []string
	if id == "" {
		id = NewChannelID()
		if err := b.client.HSet(ctx, b.channelsKey(), id, tag).Err(); err != nil {
			return fmt.Errorf("failed to create channel for %s: %w", tag, classify(err))
		}
		b.logger.Printf("Created channel %s for %s", id, tag)
	} else {
		current = visible[id].Participants
	}

	var add, remove []any
	for _, p := range want {
		if !slices.Contains(current, p) {
			add = append(add, p)
		}
	}
	for _, p := range current {
		if !slices.Contains(want, p) {
			remove = append(remove, p)
		}
	}

	if len(add) > 0 {
		if err := b.client.SAdd(ctx, b.aclKey(id), add...).Err(); err != nil {
			return fmt.Errorf("failed to update access list of %s: %w", id, classify(err))
		}
	}
	if len(remove) > 0 {
		if err := b.client.SRem(ctx, b.aclKey(id), remove...).Err(); err != nil {
			return fmt.Errorf("failed to update access list of %s: %w", id, classify(err))
		}
	}

	return b.Refresh(ctx)
}

func (b *Bus) deleteChannel(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.aclKey(id), b.itemsKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", id, classify(err))
	}
	if err := b.client.HDel(ctx, b.channelsKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", id, classify(err))
	}
	return nil
}

// Channels implements transport.ChannelManager. Channels are sorted by tag
// and list the participants other than the own identity, the same form
// EnsureChannel takes.
func (b *Bus) Channels(ctx context.Context) ([]transport.Channel, error) {
	visible, err := b.discover(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]transport.Channel, 0, len(visible))
	for _, ch := range visible {
		ch.Participants = slices.DeleteFunc(slices.Clone(ch.Participants), func(p string) bool {
			return p == b.identity
		})
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SyncedTags implements transport.ChannelManager.
func (b *Bus) SyncedTags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tags := make([]string, 0, len(b.channels))
	for _, ch := range b.channels {
		tags = append(tags, ch.Tag)
	}
	slices.Sort(tags)
	return slices.Compact(tags)
}
