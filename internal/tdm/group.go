package tdm

import (
	"fmt"
	"slices"
	"sync"
)

// Group is a named hunting domain spanning channels of several spans. It
// references channels it does not own.
type Group struct {
	id   int
	name string

	mu       sync.Mutex
	channels []*Channel
	lastIdx  int
}

func (g *Group) ID() int      { return g.id }
func (g *Group) Name() string { return g.name }

// Channels returns the members in insertion order.
func (g *Group) Channels() []*Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.channels)
}

// ChanCount returns the number of members.
func (g *Group) ChanCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

// UseCount returns how many members are in use.
func (g *Group) UseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return countInUse(g.channels)
}

// AddToGroup adds ch to the named group, creating the group on first use.
func (r *Registry) AddToGroup(name string, ch *Channel) (*Group, error) {
	if name == "" {
		return nil, fmt.Errorf("group name is empty: %w", ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	grp, ok := r.groupByName[name]
	if !ok {
		if len(r.groups) >= r.maxGroups {
			return nil, fmt.Errorf("creating group %q: %w", name, ErrCapacity)
		}
		r.nextGroupID++
		grp = &Group{id: r.nextGroupID, name: name}
		r.groups = append(r.groups, grp)
		r.groupByName[name] = grp
		r.logger.Info("group created", "group", name, "group_id", grp.id)
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()
	if slices.Contains(grp.channels, ch) {
		return grp, fmt.Errorf("channel %s already in group %q: %w", ch, name, ErrAlready)
	}
	if len(grp.channels) >= MaxChannelsPerGroup {
		return grp, fmt.Errorf("group %q: %w", name, ErrCapacity)
	}
	grp.channels = append(grp.channels, ch)
	return grp, nil
}

// RemoveFromGroup removes ch from grp. The group is destroyed when its
// last member leaves.
func (r *Registry) RemoveFromGroup(grp *Group, ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	grp.mu.Lock()
	i := slices.Index(grp.channels, ch)
	if i < 0 {
		grp.mu.Unlock()
		return fmt.Errorf("channel %s in group %q: %w", ch, grp.name, ErrNotFound)
	}
	grp.channels = slices.Delete(grp.channels, i, i+1)
	if grp.lastIdx > len(grp.channels) {
		grp.lastIdx = 0
	}
	empty := len(grp.channels) == 0
	grp.mu.Unlock()

	if empty {
		if j := slices.Index(r.groups, grp); j >= 0 {
			r.groups = slices.Delete(r.groups, j, j+1)
		}
		delete(r.groupByName, grp.name)
		r.logger.Info("group destroyed", "group", grp.name)
	}
	return nil
}

// GroupByName returns the named group.
func (r *Registry) GroupByName(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if grp, ok := r.groupByName[name]; ok {
		return grp, nil
	}
	return nil, fmt.Errorf("group %q: %w", name, ErrNotFound)
}

// GroupByID returns the group with the given id.
func (r *Registry) GroupByID(id int) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, grp := range r.groups {
		if grp.id == id {
			return grp, nil
		}
	}
	return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
}

// Groups returns all groups in creation order.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.groups)
}
