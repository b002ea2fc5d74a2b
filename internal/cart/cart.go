// Package cart implements the session's authoritative shopping cart.
//
// Every mutation re-serializes the full line set to durable storage. An empty cart is never
// stored: the key is deleted instead, so key presence means "non-empty cart".
package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/storage"
)

// DefaultKey is the storage key the cart persists under.
const DefaultKey = "cart"

// ErrMissingProductID is returned by Add for a product without an identifier.
var ErrMissingProductID = errors.New("product has no id")

// Store is the cart. It is safe for concurrent use; mutations are serialized.
type Store struct {
	mu    sync.RWMutex
	lines []model.CartLine
	kv    storage.Storage
	key   string
	now   func() time.Time
}

// Open loads the cart persisted under key. Malformed data is discarded and the store starts
// empty; loading never fails.
func Open(kv storage.Storage, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	s := &Store{kv: kv, key: key, now: time.Now}
	s.load()
	return s
}

func (s *Store) load() {
	raw, ok, err := s.kv.Get(s.key)
	if err != nil {
		obs.Logger.Warn("cart_load_failed", "key", s.key, "error", err)
		return
	}
	if !ok {
		return
	}
	var lines []model.CartLine
	err = json.Unmarshal([]byte(raw), &lines)
	if err == nil {
		err = checkRecord(lines)
	}
	if err != nil {
		obs.Logger.Warn("cart_load_corrupted", "key", s.key, "error", err)
		s.dropRecord()
		return
	}
	if len(lines) == 0 {
		s.dropRecord()
		return
	}
	s.lines = lines
	obs.Logger.Info("cart_loaded", "lines", len(lines))
}

func (s *Store) dropRecord() {
	if err := s.kv.Remove(s.key); err != nil {
		obs.Logger.Warn("cart_remove_failed", "key", s.key, "error", err)
	}
}

// checkRecord rejects persisted lines that no sequence of mutations could have produced.
func checkRecord(lines []model.CartLine) error {
	seen := make(map[string]bool, len(lines))
	for i, l := range lines {
		switch {
		case l.ProductID == "":
			return fmt.Errorf("line %d has no product id", i+1)
		case seen[l.ProductID]:
			return fmt.Errorf("duplicate product id %q", l.ProductID)
		case l.Quantity < 1 || l.Quantity > model.MaxQuantity:
			return fmt.Errorf("line %d quantity %d out of range", i+1, l.Quantity)
		}
		seen[l.ProductID] = true
	}
	return nil
}

// persist must be called with mu held.
func (s *Store) persist() {
	if len(s.lines) == 0 {
		if err := s.kv.Remove(s.key); err != nil {
			obs.Logger.Warn("cart_remove_failed", "key", s.key, "error", err)
		}
		return
	}
	b, err := json.Marshal(s.lines)
	if err != nil {
		obs.Logger.Error("cart_encode_failed", "error", err)
		return
	}
	if err := s.kv.Set(s.key, string(b)); err != nil {
		obs.Logger.Warn("cart_persist_failed", "key", s.key, "error", err)
	}
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.lines, func(l model.CartLine) bool { return l.ProductID == id })
}

// Add inserts p with quantity 1, or increments an existing line. Saturation at
// model.MaxQuantity is silent.
func (s *Store) Add(p model.Product) error {
	if p.ID == "" {
		return ErrMissingProductID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(p.ID); i >= 0 {
		s.lines[i].Quantity = min(s.lines[i].Quantity+1, model.MaxQuantity)
	} else {
		s.lines = append(s.lines, model.CartLine{
			ProductID:  p.ID,
			Name:       p.Name,
			Price:      p.Price,
			PointsCost: p.PointsCost,
			ImageURL:   p.ImageURL,
			Quantity:   1,
			AddedAt:    s.now().UTC(),
		})
	}
	s.persist()
	return nil
}

// Remove deletes the line for id; absent ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	s.persist()
}

func (s *Store) removeLocked(id string) {
	if i := s.indexOf(id); i >= 0 {
		s.lines = slices.Delete(s.lines, i, i+1)
	}
}

// SetQuantity sets the quantity of an existing line. q <= 0 removes the line, q above the
// maximum clamps. Absent ids are ignored.
func (s *Store) SetQuantity(id string, q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return
	}
	if q <= 0 {
		s.lines = slices.Delete(s.lines, i, i+1)
	} else {
		s.lines[i].Quantity = min(q, model.MaxQuantity)
	}
	s.persist()
}

// RemoveMany deletes all listed ids with a single persistence write.
func (s *Store) RemoveMany(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.removeLocked(id)
	}
	s.persist()
}

// Clear empties the cart and deletes the persisted record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.persist()
}

// Lines returns a copy of the current lines in insertion order.
func (s *Store) Lines() []model.CartLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.lines)
}

// Line returns the line for id.
func (s *Store) Line(id string) (model.CartLine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.lines[i], true
	}
	return model.CartLine{}, false
}

// Len is the number of distinct lines.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// Total sums unit price times quantity, preferring points cost over plain price.
func (s *Store) Total() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, l := range s.lines {
		total += l.Subtotal()
	}
	return total
}

// ItemCount sums quantities across lines.
func (s *Store) ItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.lines {
		n += l.Quantity
	}
	return n
}
