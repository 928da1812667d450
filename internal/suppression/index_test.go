package suppression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/suppression"
)

func TestIndex_ShouldSkip(t *testing.T) {
	companies := []model.Company{
		{ID: 1, Website: "https://x.jp", Address: "a@x.jp"},
		{ID: 2, Website: "y.jp", Address: "-"},
		{ID: 3, Website: "z.jp", Address: "c@z.jp", BounceState: model.BouncePermanent, Unsubscribed: true},
		{ID: 4, Website: "w.jp", Address: "d@w.jp", Unsubscribed: true},
		{ID: 5, Website: "http://www.y.jp/", Address: "hr@y.jp"},
		{ID: 6, Website: "v.jp", Address: "info@www.v.jp"},
		{ID: 7, Website: "u.jp", Address: "e@u.jp"},
		{ID: 8, Website: "t.jp", Address: "f@gmail.com"},
	}

	idx := suppression.New(suppression.Input{
		Campaign:              "spring",
		Companies:             companies,
		UnsubscribedAddresses: []string{" B@y.jp ", "f@gmail.com", "stranger@gmail.com"},
		SentIDs:               map[int]bool{7: true},
	})

	tests := []struct {
		company model.Company
		addr    string
		skip    bool
		reason  model.SkipReason
	}{
		{companies[0], "a@x.jp", false, ""},
		{companies[1], "info@y.jp", true, model.SkipDomainUnsubscribed},
		{companies[2], "c@z.jp", true, model.SkipBouncePermanent},
		{companies[3], "d@w.jp", true, model.SkipUnsubscribed},
		{companies[4], "hr@y.jp", true, model.SkipDomainUnsubscribed},
		{companies[5], "info@www.v.jp", true, model.SkipBadSyntax},
		{companies[6], "e@u.jp", true, model.SkipAlreadySent},
		{companies[7], "F@gmail.com", true, model.SkipAddressUnsubscribed},
		{model.Company{ID: 9}, "other@gmail.com", false, ""},
		{model.Company{ID: 10}, "x@w.jp", true, model.SkipDomainUnsubscribed},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			skip, reason := idx.ShouldSkip(tt.company, tt.addr)
			assert.Equal(t, tt.skip, skip)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestIndex_Incremental(t *testing.T) {
	c := model.Company{ID: 42, Website: "example.jp", Address: "info@example.jp"}
	idx := suppression.New(suppression.Input{Campaign: "c", Companies: []model.Company{c}})

	skip, _ := idx.ShouldSkip(c, "info@example.jp")
	assert.False(t, skip)

	idx.AddBounced(0, "INFO@example.jp")
	skip, reason := idx.ShouldSkip(model.Company{ID: 43}, "info@example.jp")
	assert.True(t, skip)
	assert.Equal(t, model.SkipBouncePermanent, reason)

	idx.MarkSent(44)
	_, reason = idx.ShouldSkip(model.Company{ID: 44}, "new@other.jp")
	assert.Equal(t, model.SkipAlreadySent, reason)

	idx.AddUnsubscribedCompany(model.Company{ID: 45, Website: "https://www.other.jp"})
	_, reason = idx.ShouldSkip(model.Company{ID: 46}, "sales@other.jp")
	assert.Equal(t, model.SkipDomainUnsubscribed, reason)
}

func TestIndex_Monotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		domains := []string{"x.jp", "y.co.jp", "gmail.com"}
		genAddr := rapid.Custom(func(t *rapid.T) string {
			return rapid.StringMatching(`[a-c]{1,2}`).Draw(t, "local") + "@" + rapid.SampledFrom(domains).Draw(t, "domain")
		})

		companies := make([]model.Company, 0, 4)
		for id := 1; id <= 4; id++ {
			companies = append(companies, model.Company{ID: id, Website: rapid.SampledFrom(domains).Draw(t, "site")})
		}

		idx := suppression.New(suppression.Input{Campaign: "p", Companies: companies})
		target := rapid.SampledFrom(companies).Draw(t, "target")
		addr := genAddr.Draw(t, "addr")

		skipped := false
		steps := rapid.IntRange(1, 10).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				idx.AddBounced(rapid.IntRange(0, 4).Draw(t, "id"), genAddr.Draw(t, "bounced"))
			case 1:
				idx.AddUnsubscribedAddress(genAddr.Draw(t, "unsub"))
			case 2:
				idx.AddUnsubscribedCompany(rapid.SampledFrom(companies).Draw(t, "company"))
			case 3:
				idx.MarkSent(rapid.IntRange(1, 4).Draw(t, "sent"))
			}

			now, _ := idx.ShouldSkip(target, addr)
			if skipped && !now {
				t.Fatalf("recipient %s became deliverable again after step %d", addr, i)
			}

			skipped = now
		}
	})
}
