package mailinglist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/migadu/listd/logger"
)

// Repository persists list configuration. Implemented by db and localstore.
type Repository interface {
	LoadLists(ctx context.Context) ([]*MailingList, error)
	SaveList(ctx context.Context, ml *MailingList) error
	DeleteList(ctx context.Context, listID string) error
}

type snapshot struct {
	byID      map[string]*MailingList
	byAddress map[string]*MailingList
}

func newSnapshot(lists []*MailingList) *snapshot {
	s := &snapshot{
		byID:      make(map[string]*MailingList, len(lists)),
		byAddress: make(map[string]*MailingList, len(lists)),
	}
	for _, ml := range lists {
		s.byID[ml.ListID] = ml
		s.byAddress[ml.PostingAddress()] = ml
	}
	return s
}

func (s *snapshot) lists() []*MailingList {
	out := make([]*MailingList, 0, len(s.byID))
	for _, ml := range s.byID {
		out = append(out, ml)
	}
	return out
}

// Catalog serves immutable list snapshots. Readers never block; writers are
// serialized and publish a new snapshot map after persisting the change.
type Catalog struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	repo    Repository
}

// NewCatalog creates an empty catalog. repo may be nil for purely in-memory use.
func NewCatalog(repo Repository) *Catalog {
	c := &Catalog{repo: repo}
	c.current.Store(newSnapshot(nil))
	return c
}

// Load replaces the catalog contents with what the repository holds.
func (c *Catalog) Load(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	lists, err := c.repo.LoadLists(ctx)
	if err != nil {
		return fmt.Errorf("failed to load lists: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.current.Store(newSnapshot(lists))
	logger.Info("Catalog: loaded lists", "count", len(lists))
	return nil
}

// Get returns the current snapshot of a list. The result must not be modified.
func (c *Catalog) Get(listID string) (*MailingList, error) {
	if ml, ok := c.current.Load().byID[strings.ToLower(listID)]; ok {
		return ml, nil
	}
	return nil, &NoSuchListError{ListID: listID}
}

// Resolve accepts either a list id or a posting address.
func (c *Catalog) Resolve(ref string) (*MailingList, error) {
	if strings.Contains(ref, "@") {
		if ml, ok := c.LookupAddress(ref); ok {
			return ml, nil
		}
		return nil, &NoSuchListError{ListID: ref}
	}
	return c.Get(ref)
}

// LookupAddress finds a list by its posting address.
func (c *Catalog) LookupAddress(address string) (*MailingList, bool) {
	ml, ok := c.current.Load().byAddress[strings.ToLower(strings.TrimSpace(address))]
	return ml, ok
}

// List returns all lists ordered by list id.
func (c *Catalog) List() []*MailingList {
	out := c.current.Load().lists()
	sort.Slice(out, func(i, j int) bool { return out[i].ListID < out[j].ListID })
	return out
}

// Create adds a new list.
func (c *Catalog) Create(ctx context.Context, ml *MailingList) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current.Load()
	if _, exists := cur.byID[ml.ListID]; exists {
		return &ListExistsError{ListID: ml.ListID}
	}

	stored := ml.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	if c.repo != nil {
		if err := c.repo.SaveList(ctx, stored); err != nil {
			return fmt.Errorf("failed to save list %s: %w", ml.ListID, err)
		}
	}

	c.publish(cur, stored, "")
	logger.Info("Catalog: created list", "list", stored.ListID)
	return nil
}

// Update applies fn to a private copy of the list. If fn succeeds the copy is
// persisted with an incremented version and becomes the visible snapshot.
// Evaluations already holding the old snapshot are unaffected.
func (c *Catalog) Update(ctx context.Context, listID string, fn func(*MailingList) error) (*MailingList, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current.Load()
	old, ok := cur.byID[strings.ToLower(listID)]
	if !ok {
		return nil, &NoSuchListError{ListID: listID}
	}

	next := old.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	// Identity fields stay fixed regardless of what fn did.
	next.ListID, next.ListName, next.MailHost, next.CreatedAt = old.ListID, old.ListName, old.MailHost, old.CreatedAt
	next.Version = old.Version + 1

	if c.repo != nil {
		if err := c.repo.SaveList(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to save list %s: %w", listID, err)
		}
	}

	c.publish(cur, next, old.ListID)
	logger.Debug("Catalog: updated list", "list", next.ListID, "version", next.Version)
	return next, nil
}

// Delete removes a list.
func (c *Catalog) Delete(ctx context.Context, listID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current.Load()
	old, ok := cur.byID[strings.ToLower(listID)]
	if !ok {
		return &NoSuchListError{ListID: listID}
	}
	if c.repo != nil {
		if err := c.repo.DeleteList(ctx, old.ListID); err != nil {
			return fmt.Errorf("failed to delete list %s: %w", listID, err)
		}
	}

	c.publish(cur, nil, old.ListID)
	logger.Info("Catalog: deleted list", "list", old.ListID)
	return nil
}

// publish swaps in a snapshot where removeID is dropped and ml (if non-nil) is added.
// Callers hold writeMu.
func (c *Catalog) publish(cur *snapshot, ml *MailingList, removeID string) {
	lists := make([]*MailingList, 0, len(cur.byID)+1)
	for id, existing := range cur.byID {
		if id == removeID || (ml != nil && id == ml.ListID) {
			continue
		}
		lists = append(lists, existing)
	}
	if ml != nil {
		lists = append(lists, ml)
	}
	c.current.Store(newSnapshot(lists))
}
