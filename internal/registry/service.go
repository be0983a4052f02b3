package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

// ErrNotFound is returned by Get for ids that are not loaded.
var ErrNotFound = errors.New("account not found")

// Service is the in-memory account set. Accounts are immutable once loaded;
// Reload swaps in a new set.
type Service interface {
	Reload() error
	List() []*models.Account
	Get(id string) (*models.Account, error)
	LoadErrors() []LoadError
}

type service struct {
	repo   *Repository
	logger logging.Logger

	mu       sync.RWMutex
	accounts map[string]*models.Account
	errs     []LoadError
}

func NewService(repo *Repository, logger logging.Logger) *service {
	return &service{repo: repo, logger: logger, accounts: map[string]*models.Account{}}
}

var _ Service = (*service)(nil)

// Reload re-reads the directory. If the directory cannot be read the current
// set stays in place.
func (s *service) Reload() error {
	accounts, errs, err := s.repo.LoadAll()
	if err != nil {
		return fmt.Errorf("reload accounts: %w", err)
	}
	for _, e := range errs {
		s.logger.WithFields(logging.Fields{"file": e.File, "error": e.Err}).Error("Account file rejected")
	}
	next := make(map[string]*models.Account, len(accounts))
	for _, a := range accounts {
		next[a.ID] = a
	}

	s.mu.Lock()
	s.accounts = next
	s.errs = errs
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"accounts": len(accounts),
		"rejected": len(errs),
	}).Info("Accounts loaded")
	return nil
}

// List returns the accounts ordered by id.
func (s *service) List() []*models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *service) Get(id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (s *service) LoadErrors() []LoadError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LoadError(nil), s.errs...)
}
