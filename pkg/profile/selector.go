package profile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
)

// Selector implements engine.ProfileSelector over the repository's
// profiles.ini.
type Selector struct {
	source engine.ProfileSource
	info   SystemInfo
	logger zerolog.Logger
}

var _ engine.ProfileSelector = (*Selector)(nil)

// NewSelector returns a selector matching profiles from source against info.
func NewSelector(source engine.ProfileSource, info SystemInfo, logger zerolog.Logger) *Selector {
	return &Selector{
		source: source,
		info:   info,
		logger: logger.With().Str("component", "profile").Logger(),
	}
}

// Profiles fetches and parses every profile.
func (s *Selector) Profiles(ctx context.Context) ([]*Profile, error) {
	data, err := s.source.FetchProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Matching returns the profiles that apply to this machine.
func (s *Selector) Matching(ctx context.Context) ([]*Profile, error) {
	profiles, err := s.Profiles(ctx)
	if err != nil {
		return nil, err
	}

	var matching []*Profile
	for _, p := range profiles {
		if p.Applies(s.info) {
			s.logger.Info().Str("profile", p.ID).Str("variable", p.Variable).Msg("Profile applies")
			matching = append(matching, p)
		} else {
			s.logger.Debug().Str("profile", p.ID).Msg("Profile does not apply")
		}
	}
	return matching, nil
}

// Select returns the packages of every applying profile, first occurrence
// first.
func (s *Selector) Select(ctx context.Context) ([]string, error) {
	matching, err := s.Matching(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, p := range matching {
		for _, id := range p.Packages {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
