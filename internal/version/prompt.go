package version

import (
	"fmt"

	"monorel/internal/semver"
)

// Choice is one entry of a selection prompt.
type Choice struct {
	Label string
	Value string
}

// Prompter asks the user for input.
type Prompter interface {
	// Select returns the Value of the chosen entry.
	Select(message string, choices []Choice) (string, error)
	// Input asks for free text. validate is called on every submission and
	// the prompt repeats until it returns nil.
	Input(message, initial string, validate func(string) error) (string, error)
}

const (
	choiceCustomPrerelease = "__custom_prerelease__"
	choiceCustomVersion    = "__custom_version__"
)

// Choices lists the bump options offered for current. A prerelease version is
// first offered its graduated form.
func Choices(current, preid string) []Choice {
	var out []Choice
	add := func(label string, rt semver.ReleaseType) {
		next, err := semver.Inc(current, rt, preID(preid, current))
		if err != nil {
			return
		}
		out = append(out, Choice{Label: fmt.Sprintf("%s (%s)", label, next), Value: next})
	}

	if semver.IsPrerelease(current) {
		add("Graduate", semver.Patch)
	}
	add("Patch", semver.Patch)
	add("Minor", semver.Minor)
	add("Major", semver.Major)
	add("Prepatch", semver.Prepatch)
	add("Preminor", semver.Preminor)
	add("Premajor", semver.Premajor)
	out = append(out,
		Choice{Label: "Custom Prerelease", Value: choiceCustomPrerelease},
		Choice{Label: "Custom Version", Value: choiceCustomVersion},
	)
	return dedupe(out)
}

func dedupe(choices []Choice) []Choice {
	seen := make(map[string]bool, len(choices))
	out := choices[:0]
	for _, c := range choices {
		if seen[c.Value] {
			continue
		}
		seen[c.Value] = true
		out = append(out, c)
	}
	return out
}

// PromptVersion asks for the next version of name (empty in fixed mode).
func PromptVersion(p Prompter, name, current, preid string) (string, error) {
	message := fmt.Sprintf("Select a new version (currently %s)", current)
	if name != "" {
		message = fmt.Sprintf("Select a new version for %s (currently %s)", name, current)
	}

	picked, err := p.Select(message, Choices(current, preid))
	if err != nil {
		return "", err
	}

	switch picked {
	case choiceCustomPrerelease:
		id, err := p.Input("Enter a prerelease identifier", preID(preid, current), func(s string) error {
			if s == "" {
				return fmt.Errorf("identifier must not be empty")
			}
			next, err := semver.Inc(current, semver.Prerelease, s)
			if err != nil {
				return err
			}
			if !semver.Valid(next) {
				return fmt.Errorf("invalid prerelease identifier %q", s)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return semver.Inc(current, semver.Prerelease, id)
	case choiceCustomVersion:
		v, err := p.Input("Enter a custom version", "", func(s string) error {
			if !semver.Valid(s) {
				return fmt.Errorf("%w: %q", ErrInvalidBump, s)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return semver.Clean(v), nil
	}
	return picked, nil
}
