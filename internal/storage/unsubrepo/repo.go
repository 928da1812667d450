package unsubrepo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
)

// Repo owns the unsubscribe log and the set of processed feed entries.
type Repo interface {
	List(ctx context.Context) ([]Entry, error)
	Add(ctx context.Context, e Entry) error
	Processed(ctx context.Context) (*KeySet, error)
	MarkProcessed(ctx context.Context, key Key) error
	Rewrite(ctx context.Context, in InputRewrite) (out OutRewrite, err error)
}

// Entry is one unsubscribe log item. CompanyID is 0 when the address matched no company.
type Entry struct {
	CompanyID   int           `json:"company_id"`
	CompanyName string        `json:"company_name"`
	Email       string        `json:"email"`
	Reason      string        `json:"reason"`
	Timestamp   model.ISOTime `json:"timestamp"`
	Source      string        `json:"source"`
}

type InputRewrite struct {
	Mapping map[int]int `validate:"required"`
}

type OutRewrite struct {
	Kept     int
	Unlinked int
}

// Key identifies a feed entry: the normalised timestamp and the lowercased address.
type Key struct {
	Timestamp string
	Address   string

	// raw is the timestamp as it appeared in the feed; older processed files hash it.
	raw string
}

var feedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04:05",
	"2006/01/02 15:04",
	"2006/1/2 15:04",
	"2006-01-02",
}

// NewKey builds the key for a feed row. A timestamp that cannot be parsed is kept trimmed as is.
func NewKey(rawTimestamp, address string) Key {
	raw := strings.TrimSpace(rawTimestamp)
	k := Key{
		Timestamp: raw,
		Address:   strings.ToLower(strings.TrimSpace(address)),
		raw:       raw,
	}

	for _, layout := range feedLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			k.Timestamp = t.UTC().Format(time.RFC3339)
			break
		}
	}

	return k
}

func (k Key) String() string {
	return k.Timestamp + "|" + k.Address
}

// LegacyHash is md5("<timestamp>|<lowercased address>") over the raw feed timestamp.
func (k Key) LegacyHash() string {
	sum := md5.Sum([]byte(k.raw + "|" + k.Address))
	return hex.EncodeToString(sum[:])
}

// KeySet holds processed keys plus hashes written by older versions.
type KeySet struct {
	keys   map[string]bool
	hashes map[string]bool
}

func NewKeySet() *KeySet {
	return &KeySet{keys: map[string]bool{}, hashes: map[string]bool{}}
}

func (s *KeySet) Has(k Key) bool {
	return s.keys[k.String()] || s.hashes[k.LegacyHash()]
}

func (s *KeySet) Add(k Key) {
	s.keys[k.String()] = true
}

func (s *KeySet) Len() int {
	return len(s.keys) + len(s.hashes)
}
