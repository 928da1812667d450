// Package suppression answers "must this recipient be left alone" for one campaign run.
package suppression

import (
	"sync"

	"github.com/yusufsyaifudin/saiyoumail/internal/classify"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/pkg/domainutil"
)

// Input is everything the index is built from at worker start.
type Input struct {
	Campaign  string
	Companies []model.Company

	// UnsubscribedAddresses are the addresses of the unsubscribe log.
	UnsubscribedAddresses []string

	// SentIDs are the company ids present in the send history for Campaign.
	SentIDs map[int]bool
}

// Index is safe for concurrent use; the ingestor may add entries while a run reads it.
type Index struct {
	mu sync.RWMutex

	campaign       string
	bouncedIDs     map[int]bool
	bouncedAddrs   map[string]bool
	unsubIDs       map[int]bool
	unsubAddrs     map[string]bool
	unsubDomains   map[string]bool
	websiteDomains map[string]bool
	sent           map[int]bool
}

func New(in Input) *Index {
	idx := &Index{
		campaign:       in.Campaign,
		bouncedIDs:     map[int]bool{},
		bouncedAddrs:   map[string]bool{},
		unsubIDs:       map[int]bool{},
		unsubAddrs:     map[string]bool{},
		unsubDomains:   map[string]bool{},
		websiteDomains: map[string]bool{},
		sent:           map[int]bool{},
	}

	for _, c := range in.Companies {
		if d := domainutil.RegisteredDomain(c.Website); d != "" {
			idx.websiteDomains[d] = true
		}
	}

	for _, c := range in.Companies {
		if c.BounceState == model.BouncePermanent {
			idx.bouncedIDs[c.ID] = true
		}

		if c.Unsubscribed {
			idx.addUnsubscribedCompany(c)
		}
	}

	for _, addr := range in.UnsubscribedAddresses {
		idx.addUnsubscribedAddress(addr)
	}

	for id, ok := range in.SentIDs {
		if ok {
			idx.sent[id] = true
		}
	}

	return idx
}

func (idx *Index) Campaign() string {
	return idx.campaign
}

// ShouldSkip applies the rules in priority order: permanent bounce, unsubscribed company,
// unsubscribed address, unsubscribed domain, syntactic denylist, already sent this campaign.
func (idx *Index) ShouldSkip(c model.Company, addr string) (bool, model.SkipReason) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	norm := domainutil.NormalizeAddress(addr)

	switch {
	case c.BounceState == model.BouncePermanent, idx.bouncedIDs[c.ID], idx.bouncedAddrs[norm]:
		return true, model.SkipBouncePermanent

	case c.Unsubscribed, idx.unsubIDs[c.ID]:
		return true, model.SkipUnsubscribed

	case idx.unsubAddrs[norm]:
		return true, model.SkipAddressUnsubscribed

	case idx.unsubDomains[domainutil.RegisteredDomain(norm)]:
		return true, model.SkipDomainUnsubscribed
	}

	if bad, _ := classify.Denylisted(norm); bad {
		return true, model.SkipBadSyntax
	}

	if idx.sent[c.ID] {
		return true, model.SkipAlreadySent
	}

	return false, ""
}

// AddBounced suppresses a company and its address after a permanent bounce.
func (idx *Index) AddBounced(companyID int, addr string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if companyID > 0 {
		idx.bouncedIDs[companyID] = true
	}

	if norm := domainutil.NormalizeAddress(addr); norm != "" {
		idx.bouncedAddrs[norm] = true
	}
}

// AddUnsubscribedAddress records an unsubscribe log entry.
func (idx *Index) AddUnsubscribedAddress(addr string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.addUnsubscribedAddress(addr)
}

// AddUnsubscribedCompany suppresses the company and every address on its website's domain.
func (idx *Index) AddUnsubscribedCompany(c model.Company) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.addUnsubscribedCompany(c)
}

// MarkSent records a submission of this campaign.
func (idx *Index) MarkSent(companyID int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.sent[companyID] = true
}

func (idx *Index) addUnsubscribedAddress(addr string) {
	norm := domainutil.NormalizeAddress(addr)
	if norm == "" {
		return
	}

	idx.unsubAddrs[norm] = true

	// an address on some company's own website domain takes the whole domain with it
	if d := domainutil.RegisteredDomain(norm); d != "" && idx.websiteDomains[d] {
		idx.unsubDomains[d] = true
	}
}

func (idx *Index) addUnsubscribedCompany(c model.Company) {
	idx.unsubIDs[c.ID] = true
	if d := domainutil.RegisteredDomain(c.Website); d != "" {
		idx.unsubDomains[d] = true
		idx.websiteDomains[d] = true
	}
}
