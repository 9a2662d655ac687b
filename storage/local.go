package storage

import "sync"

// LocalStore is a Store that isn't backed by any repository. It is meant
// for tests and dry runs.
type LocalStore struct {
	sync.RWMutex
	modes map[int]Mode
}

// Local creates a new in-memory configuration store.
func Local() *LocalStore {
	return &LocalStore{
		modes: make(map[int]Mode),
	}
}

// Mode honors the Store interface.
func (s *LocalStore) Mode(epoch int) (Mode, error) {
	s.RLock()
	defer s.RUnlock()

	m, ok := s.modes[epoch]
	if !ok {
		return Mode{Kind: Default}, nil
	}

	return m, nil
}

// SetMode honors the Store interface.
func (s *LocalStore) SetMode(epoch int, m Mode) error {
	if m.Kind == Mirror && m.MirrorURL == "" {
		return ErrMirrorURLMissing.New(epoch)
	}

	s.Lock()
	defer s.Unlock()

	if m.Kind == Default {
		delete(s.modes, epoch)
		return nil
	}

	s.modes[epoch] = m
	return nil
}

// Modes honors the Store interface.
func (s *LocalStore) Modes() (map[int]Mode, error) {
	s.RLock()
	defer s.RUnlock()

	modes := make(map[int]Mode, len(s.modes))
	for k, v := range s.modes {
		modes[k] = v
	}

	return modes, nil
}
