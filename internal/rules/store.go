package rules

import "sync/atomic"

// Store holds the live rule snapshot behind an atomically swapped pointer.
// Readers never block writers: an evaluation cycle reads the pointer once and
// works against that snapshot even if a reload lands mid-cycle.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	store := &Store{}
	store.current.Store(NewSnapshot(0, nil))
	return store
}

func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Load validates the candidate rule set and activates it atomically. On a
// validation failure the previous snapshot stays live and the error carries
// the offending rule ids.
func (s *Store) Load(version int64, ruleList []Rule) *ValidationError {
	if err := ValidateSnapshot(ruleList); err != nil {
		return err
	}
	s.current.Store(NewSnapshot(version, ruleList))
	return nil
}
