package storage

import (
	"fmt"
	"strconv"

	"gopkg.in/src-d/go-git.v4"
)

// epochSection is the raw config section holding per-epoch overrides,
// namespaced per remote name:
//
//	[epoch "e3"]
//		mode = mirror
//		url = https://mirror.example.com/archive/3
const epochSection = "epoch"

const (
	modeKey = "mode"
	urlKey  = "url"
)

// GitConfig is a Store backed by the configuration of the target
// repository itself.
type GitConfig struct {
	repo *git.Repository
}

// NewGitConfig creates a Store persisted in the config of r.
func NewGitConfig(r *git.Repository) *GitConfig {
	return &GitConfig{repo: r}
}

func subsectionName(epoch int) string {
	return fmt.Sprintf("e%d", epoch)
}

// Mode honors the Store interface.
func (s *GitConfig) Mode(epoch int) (Mode, error) {
	cfg, err := s.repo.Storer.Config()
	if err != nil {
		return Mode{}, err
	}

	sec := cfg.Raw.Section(epochSection)
	name := subsectionName(epoch)
	if !sec.HasSubsection(name) {
		return Mode{Kind: Default}, nil
	}

	ss := sec.Subsection(name)
	kind, err := parseModeKind(ss.Option(modeKey))
	if err != nil {
		return Mode{}, err
	}

	m := Mode{Kind: kind}
	if kind == Mirror {
		m.MirrorURL = ss.Option(urlKey)
	}

	return m, nil
}

// SetMode honors the Store interface.
func (s *GitConfig) SetMode(epoch int, m Mode) error {
	if m.Kind == Mirror && m.MirrorURL == "" {
		return ErrMirrorURLMissing.New(epoch)
	}

	cfg, err := s.repo.Storer.Config()
	if err != nil {
		return err
	}

	sec := cfg.Raw.Section(epochSection)
	name := subsectionName(epoch)

	if m.Kind == Default {
		if !sec.HasSubsection(name) {
			return nil
		}

		cfg.Raw.RemoveSubsection(epochSection, name)
		return s.repo.Storer.SetConfig(cfg)
	}

	ss := sec.Subsection(name)
	ss.SetOption(modeKey, m.Kind.configValue())
	if m.Kind == Mirror {
		ss.SetOption(urlKey, m.MirrorURL)
	} else {
		ss.RemoveOption(urlKey)
	}

	return s.repo.Storer.SetConfig(cfg)
}

// Modes honors the Store interface.
func (s *GitConfig) Modes() (map[int]Mode, error) {
	cfg, err := s.repo.Storer.Config()
	if err != nil {
		return nil, err
	}

	modes := make(map[int]Mode)
	for _, ss := range cfg.Raw.Section(epochSection).Subsections {
		var epoch int
		if _, err := fmt.Sscanf(ss.Name, "e%d", &epoch); err != nil {
			continue
		}

		// Reject trailing garbage such as "e1x".
		if ss.Name != "e"+strconv.Itoa(epoch) {
			continue
		}

		kind, err := parseModeKind(ss.Option(modeKey))
		if err != nil {
			return nil, err
		}

		if kind == Default {
			continue
		}

		m := Mode{Kind: kind}
		if kind == Mirror {
			m.MirrorURL = ss.Option(urlKey)
		}

		modes[epoch] = m
	}

	return modes, nil
}
