package resolver

import (
	"sort"
	"time"

	"streamrelay/config"
	"streamrelay/models"
	"streamrelay/services/extractor"
)

// Provider is one upstream source in the cascade, built from configuration.
type Provider struct {
	Name            string
	Priority        int
	IdentifierSpace string
	Language        string // "" = original audio track
	TTL             time.Duration
	Universal       bool
}

// ProvidersFromConfig keeps the enabled providers ordered by ascending
// priority. Equal priorities keep their configured order.
func ProvidersFromConfig(cfgs []config.ProviderConfig) []Provider {
	providers := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		ttl := time.Duration(c.TTLHours) * time.Hour
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		providers = append(providers, Provider{
			Name:            c.Name,
			Priority:        c.Priority,
			IdentifierSpace: c.IdentifierSpace,
			Language:        c.Language,
			TTL:             ttl,
			Universal:       c.Universal,
		})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})
	return providers
}

// BuildTarget prepares the extraction request for this provider. id must
// already be in the provider's identifier space.
func (p Provider) BuildTarget(key models.MediaKey, id string) extractor.Target {
	return extractor.Target{
		Provider: p.Name,
		Type:     key.Type,
		ID:       id,
		Season:   key.Season,
		Episode:  key.Episode,
		Language: p.Language,
	}
}
