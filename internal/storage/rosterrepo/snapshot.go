package rosterrepo

import (
	"time"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/domainutil"
)

// Snapshot is an immutable copy of the roster. Later mutations of the file are not visible.
type Snapshot struct {
	LoadedAt time.Time

	companies []model.Company
	byID      map[int]int
	byAddress map[string][]int
	byDomain  map[string][]int
}

func newSnapshot(companies []model.Company, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		LoadedAt:  loadedAt,
		companies: companies,
		byID:      make(map[int]int, len(companies)),
		byAddress: make(map[string][]int),
		byDomain:  make(map[string][]int),
	}

	for i, c := range companies {
		s.byID[c.ID] = i

		if addr := domainutil.NormalizeAddress(c.ConfiguredAddress()); addr != "" {
			s.byAddress[addr] = append(s.byAddress[addr], i)
		}

		if d := domainutil.RegisteredDomain(c.Website); d != "" {
			s.byDomain[d] = append(s.byDomain[d], i)
		}
	}

	return s
}

// Len is the number of companies.
func (s *Snapshot) Len() int {
	return len(s.companies)
}

// Companies returns a copy of all companies in file order.
func (s *Snapshot) Companies() []model.Company {
	return append([]model.Company(nil), s.companies...)
}

func (s *Snapshot) Lookup(id int) (model.Company, bool) {
	i, ok := s.byID[id]
	if !ok {
		return model.Company{}, false
	}

	return s.companies[i], true
}

// LookupByAddress returns every company configured with addr. Addresses are not unique.
func (s *Snapshot) LookupByAddress(addr string) []model.Company {
	return s.pick(s.byAddress[domainutil.NormalizeAddress(addr)])
}

// LookupByDomain returns the companies whose website has the registered domain of hostOrAddr.
func (s *Snapshot) LookupByDomain(hostOrAddr string) []model.Company {
	return s.pick(s.byDomain[domainutil.RegisteredDomain(hostOrAddr)])
}

func (s *Snapshot) pick(idx []int) []model.Company {
	if len(idx) == 0 {
		return nil
	}

	out := make([]model.Company, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.companies[i])
	}

	return out
}
