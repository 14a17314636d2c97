package contacts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Source fetches the two halves of a user's contact list.
type Source interface {
	DirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error)
	Groups(ctx context.Context, userID string) ([]models.GroupContact, error)
}

// PresenceChecker answers online badges for merged entries.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

// PartialFetchError reports which half of a refresh degraded to empty.
type PartialFetchError struct {
	DirectErr error
	GroupErr  error
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("partial contact fetch: direct=%v groups=%v", e.DirectErr, e.GroupErr)
}

// Halves names the halves that failed, "direct" before "groups".
func (e *PartialFetchError) Halves() []string {
	var halves []string
	if e.DirectErr != nil {
		halves = append(halves, "direct")
	}
	if e.GroupErr != nil {
		halves = append(halves, "groups")
	}
	return halves
}

func (e *PartialFetchError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.DirectErr, e.GroupErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type snapshot struct {
	direct      []models.DirectContact
	groups      []models.GroupContact
	refreshedAt time.Time
}

// Cache keeps the last fetched halves per user. The merged view is
// recomputed on every call, never maintained incrementally.
type Cache struct {
	source   Source
	presence PresenceChecker
	timeout  time.Duration

	mu        sync.RWMutex
	snapshots map[string]*snapshot
}

func NewCache(source Source, presence PresenceChecker, timeout time.Duration) *Cache {
	return &Cache{
		source:    source,
		presence:  presence,
		timeout:   timeout,
		snapshots: make(map[string]*snapshot),
	}
}

// Refresh fetches both halves concurrently. A failed half is stored as
// empty and reported through *PartialFetchError; the snapshot is replaced
// either way.
func (c *Cache) Refresh(ctx context.Context, userID string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var direct []models.DirectContact
	var groups []models.GroupContact
	var directErr, groupErr error

	// Neither goroutine returns an error so that one failing half never
	// cancels the other.
	var g errgroup.Group
	g.Go(func() error {
		direct, directErr = c.source.DirectContacts(ctx, userID)
		if directErr != nil {
			direct = nil
		}
		return nil
	})
	g.Go(func() error {
		groups, groupErr = c.source.Groups(ctx, userID)
		if groupErr != nil {
			groups = nil
		}
		return nil
	})
	g.Wait()

	c.mu.Lock()
	c.snapshots[userID] = &snapshot{direct: direct, groups: groups, refreshedAt: time.Now()}
	c.mu.Unlock()

	if directErr != nil || groupErr != nil {
		logger.Warn("Contact refresh for %s degraded (direct=%v, groups=%v)", userID, directErr, groupErr)
		return &PartialFetchError{DirectErr: directErr, GroupErr: groupErr}
	}
	return nil
}

// Merged returns userID's contacts from the last refresh, newest first.
func (c *Cache) Merged(userID string) []models.Contact {
	c.mu.RLock()
	snap := c.snapshots[userID]
	c.mu.RUnlock()
	if snap == nil {
		return []models.Contact{}
	}
	return Merge(snap.direct, snap.groups, c.presence)
}

// RefreshAndMerge is Refresh followed by Merged. The merged list is
// returned even when Refresh reports a *PartialFetchError.
func (c *Cache) RefreshAndMerge(ctx context.Context, userID string) ([]models.Contact, error) {
	err := c.Refresh(ctx, userID)
	return c.Merged(userID), err
}

// Invalidate drops userID's snapshot.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, userID)
}

// Merge concatenates direct and group contacts and stable-sorts them by
// UpdatedAt descending. An ID seen twice keeps its most recent entry.
func Merge(direct []models.DirectContact, groups []models.GroupContact, presence PresenceChecker) []models.Contact {
	all := make([]models.Contact, 0, len(direct)+len(groups))
	for _, d := range direct {
		counterpart := d.Counterpart
		entry := models.Contact{
			ID:          d.ID,
			Kind:        models.ContactKindDirect,
			Name:        counterpart.Username,
			Counterpart: &counterpart,
			UpdatedAt:   d.UpdatedAt,
		}
		if presence != nil {
			entry.Online = presence.IsOnline(counterpart.ID)
		}
		all = append(all, entry)
	}
	for _, g := range groups {
		entry := models.Contact{
			ID:        g.ID,
			Kind:      models.ContactKindGroup,
			Name:      g.Name,
			Members:   append([]models.UserRef(nil), g.Members...),
			UpdatedAt: g.UpdatedAt,
		}
		if presence != nil {
			for _, m := range g.Members {
				if presence.IsOnline(m.ID) {
					entry.OnlineMembers++
				}
			}
			entry.Online = entry.OnlineMembers > 0
		}
		all = append(all, entry)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	seen := make(map[string]struct{}, len(all))
	merged := all[:0]
	for _, entry := range all {
		if _, dup := seen[entry.ID]; dup {
			logger.Warn("Duplicate contact id %s dropped from merged list", entry.ID)
			continue
		}
		seen[entry.ID] = struct{}{}
		merged = append(merged, entry)
	}
	return merged
}
