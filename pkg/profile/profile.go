package profile

import (
	"bytes"
	"fmt"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-ini/ini"

	"github.com/winsync/winsync/pkg/engine"
)

// Profile is one section of profiles.ini.
type Profile struct {
	ID       string   `json:"id"`
	Variable string   `json:"variable"`
	Match    string   `json:"match"`
	Packages []string `json:"packages"`

	re *regexp.Regexp
}

// New builds a profile, compiling its match expression.
func New(id, variable, match string, packages []string) (*Profile, error) {
	re, err := compileMatch(match)
	if err != nil {
		return nil, fmt.Errorf("profile %s: invalid match %q: %w", id, match, err)
	}
	return &Profile{ID: id, Variable: variable, Match: match, Packages: packages, re: re}, nil
}

// compileMatch anchors the expression at the start of the value only.
func compileMatch(match string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + match + `)`)
}

// Applies reports whether the profile selects this machine.
func (p *Profile) Applies(info SystemInfo) bool {
	value, ok := info[p.Variable]
	if !ok {
		return false
	}
	return p.re.MatchString(value)
}

const profileSchema = `
#Profile: {
	id:       string & =~"^[^/\\\\]+$"
	variable: string & !=""
	match:    string
	packages: [...string & !=""]
}
`

var schema = func() cue.Value {
	ctx := cuecontext.New()
	return ctx.CompileString(profileSchema).LookupPath(cue.ParsePath("#Profile"))
}()

// validate checks a profile against the profile schema.
func validate(p *Profile) error {
	val := schema.Context().Encode(p)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("profile %s: %w", p.ID, err)
	}
	return nil
}

// Parse reads a profiles.ini document. Profiles are returned in file order.
func Parse(data []byte) ([]*Profile, error) {
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, parseError(fmt.Errorf("failed to parse profiles: %w", err))
	}

	var profiles []*Profile
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		p, err := New(
			section.Name(),
			section.Key("variable").String(),
			section.Key("match").String(),
			engine.ParseList(section.Key("packages").String()),
		)
		if err != nil {
			return nil, parseError(err)
		}
		if p.Packages == nil {
			p.Packages = []string{}
		}
		if err := validate(p); err != nil {
			return nil, parseError(err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func parseError(err error) error {
	return engine.NewPermanentError("invalid profiles document", err).
		WithResource("profiles.ini").
		WithOperation(engine.PhaseProfile)
}

// Format writes profiles in the layout Parse reads.
func Format(profiles []*Profile) ([]byte, error) {
	file := ini.Empty()
	for _, p := range profiles {
		section, err := file.NewSection(p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to add profile %s: %w", p.ID, err)
		}
		for _, kv := range [][2]string{
			{"variable", p.Variable},
			{"match", p.Match},
			{"packages", engine.FormatList(p.Packages)},
		} {
			if _, err := section.NewKey(kv[0], kv[1]); err != nil {
				return nil, fmt.Errorf("failed to add key %s.%s: %w", p.ID, kv[0], err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode profiles: %w", err)
	}
	return buf.Bytes(), nil
}
