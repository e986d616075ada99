package uarbatch

import (
	"sync"

	"github.com/mmdatafocus/uar_backend/models"
)

// Staging is the scratch area of a create-only sync run. It lives in memory,
// is cleared at the start of every run and is not shared between processes.
type Staging struct {
	mu      sync.Mutex
	records []models.UarPic
}

func NewStaging() *Staging {
	return &Staging{}
}

func (s *Staging) Reset() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}

func (s *Staging) Add(rec models.UarPic) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

// Records returns a copy of the staged records.
func (s *Staging) Records() []models.UarPic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UarPic, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
