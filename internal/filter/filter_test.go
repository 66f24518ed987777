package filter

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		cfg     model.WatchConfig
		summary mailclient.Summary
		want    bool
	}{
		{"no predicates", model.WatchConfig{}, mailclient.Summary{Subject: "anything", Sender: "x@y.z"}, true},
		{"subject case-insensitive", model.WatchConfig{FilterSubject: "trading signal"}, mailclient.Summary{Subject: "Trading Signal: BUY BTC"}, true},
		{"subject miss", model.WatchConfig{FilterSubject: "Trading Signal"}, mailclient.Summary{Subject: "Newsletter"}, false},
		{"sender inside display form", model.WatchConfig{FilterSender: "BOT@example.com"}, mailclient.Summary{Sender: "Trading Bot <bot@example.com>"}, true},
		{"sender substring of domain", model.WatchConfig{FilterSender: "example.com"}, mailclient.Summary{Sender: "alerts@example.com"}, true},
		{"sender miss", model.WatchConfig{FilterSender: "bot@example.com"}, mailclient.Summary{Sender: "news@other.org"}, false},
		{"both must hold", model.WatchConfig{FilterSubject: "Signal", FilterSender: "bot@"}, mailclient.Summary{Subject: "Signal", Sender: "news@example.com"}, false},
		{"whitespace predicate ignored", model.WatchConfig{FilterSubject: "   "}, mailclient.Summary{Subject: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.cfg, tt.summary))
		})
	}
}

func TestMatchesIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs give the same answer regardless of prior calls", prop.ForAll(
		func(subjectPred, senderPred, subject, sender, noiseSubject string) bool {
			cfg := model.WatchConfig{FilterSubject: subjectPred, FilterSender: senderPred}
			s := mailclient.Summary{Subject: subject, Sender: sender}

			first := Matches(cfg, s)
			Matches(model.WatchConfig{FilterSubject: noiseSubject}, mailclient.Summary{Subject: noiseSubject})
			second := Matches(cfg, s)
			return first == second && cfg.FilterSubject == subjectPred && s.Subject == subject
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("a subject always matches a predicate cut from itself", prop.ForAll(
		func(subject string, start, length int) bool {
			if subject == "" {
				return true
			}
			start = start % len(subject)
			end := start + length%(len(subject)-start+1)
			pred := subject[start:end]
			return Matches(model.WatchConfig{FilterSubject: pred}, mailclient.Summary{Subject: subject})
		},
		gen.AlphaString(), gen.IntRange(0, 1000), gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
