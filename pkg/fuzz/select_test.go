package fuzz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephresearch/abootool/pkg/config"
	"github.com/alephresearch/abootool/pkg/corpus"
)

type staticIdentity string

func (s staticIdentity) DeviceID(ctx context.Context) (string, error) {
	return string(s), nil
}

func TestSelectRecords(t *testing.T) {
	c := corpus.New([]*corpus.Record{
		{OEM: "oneplus", Device: "cheeseburger", Build: "5.1.5"},
		{OEM: "oneplus", Device: "cheeseburger", Build: "5.1.6"},
		{OEM: "oneplus", Device: "dumpling", Build: "5.1.5"},
		{OEM: "google", Device: "sailfish", Build: "NDE63X"},
	})

	for _, tc := range []struct {
		name string
		mod  func(*config.Config)
		id   Identity
		want []string
	}{
		{"detected device", nil, staticIdentity("dumpling"), []string{"oneplus/dumpling/5.1.5"}},
		{"device override", func(c *config.Config) { c.Device = "sailfish" }, staticIdentity("dumpling"), []string{"google/sailfish/NDE63X"}},
		{"oem override", func(c *config.Config) { c.OEM = "google" }, nil, []string{"google/sailfish/NDE63X"}},
		{"unknown identity", nil, staticIdentity(""), []string{"oneplus/cheeseburger/5.1.5", "oneplus/cheeseburger/5.1.6", "oneplus/dumpling/5.1.5", "google/sailfish/NDE63X"}},
		{"no identity", nil, nil, []string{"oneplus/cheeseburger/5.1.5", "oneplus/cheeseburger/5.1.6", "oneplus/dumpling/5.1.5", "google/sailfish/NDE63X"}},
		{"vendor fallback", func(c *config.Config) { c.OEMs = map[string]string{"marlin": "google"} }, staticIdentity("marlin"), []string{"google/sailfish/NDE63X"}},
		{"all fallback", nil, staticIdentity("marlin"), []string{"oneplus/cheeseburger/5.1.5", "oneplus/cheeseburger/5.1.6", "oneplus/dumpling/5.1.5", "google/sailfish/NDE63X"}},
		{"empty override", func(c *config.Config) { c.Device = "nonexistent" }, nil, []string{"oneplus/cheeseburger/5.1.5", "oneplus/cheeseburger/5.1.6", "oneplus/dumpling/5.1.5", "google/sailfish/NDE63X"}},
		{"build", func(c *config.Config) { c.Device = "cheeseburger"; c.Build = "5.1.6" }, nil, []string{"oneplus/cheeseburger/5.1.6"}},
		{"unknown build", func(c *config.Config) { c.Device = "cheeseburger"; c.Build = "9" }, nil, []string{"oneplus/cheeseburger/5.1.5", "oneplus/cheeseburger/5.1.6"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			if tc.mod != nil {
				tc.mod(cfg)
			}
			records, err := SelectRecords(context.Background(), c, cfg, tc.id)
			require.NoError(t, err)
			var got []string
			for _, r := range records {
				got = append(got, r.String())
			}
			assert.Equal(t, tc.want, got)
		})
	}
}
