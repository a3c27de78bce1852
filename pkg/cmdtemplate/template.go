package cmdtemplate

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
)

// Placeholder is a named token in a command template.
type Placeholder string

// The closed set of placeholders Expand substitutes.
const (
	Resource Placeholder = "@RESOURCE@"
	Device   Placeholder = "@DEVICE@"
	Volume   Placeholder = "@VOLUME@"
	Host     Placeholder = "@HOST@"
	VGName   Placeholder = "@VGNAME@"
	LVName   Placeholder = "@LVNAME@"
	Size     Placeholder = "@SIZE@"
	Domain   Placeholder = "@DOMAIN@"
)

var placeholders = []Placeholder{Resource, Device, Volume, Host, VGName, LVName, Size, Domain}

// Sentinel errors for template expansion.
var (
	// ErrUnknownPlaceholder is returned for a value whose placeholder is not
	// in the closed set.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")

	// ErrMissingValue is returned when a template uses a placeholder that has
	// no value, or the value is empty.
	ErrMissingValue = errors.New("missing placeholder value")

	// ErrReservedToken is returned for a value containing text the executor
	// interprets: the chain separator or a dry-run token. Quoting does not
	// hide them from the executor.
	ErrReservedToken = errors.New("value contains reserved token")
)

var reservedTokens = []string{command.ChainSeparator, command.DryRunToken, command.DryRunConfigToken}

// Vars maps placeholders to their values.
type Vars map[Placeholder]string

// Expand substitutes every placeholder of the closed set in tmpl with its
// shell-quoted value. Executor tokens such as command.DryRunToken in tmpl are
// left untouched; in a value they are rejected.
func Expand(tmpl string, vars Vars) (string, error) {
	for p := range vars {
		if !known(p) {
			return "", fmt.Errorf("%w: %s", ErrUnknownPlaceholder, p)
		}
	}

	pairs := make([]string, 0, 2*len(placeholders))
	var missing []string
	for _, p := range placeholders {
		if !strings.Contains(tmpl, string(p)) {
			continue
		}
		v, ok := vars[p]
		if !ok || v == "" {
			missing = append(missing, string(p))
			continue
		}
		for _, tok := range reservedTokens {
			if strings.Contains(v, tok) {
				return "", fmt.Errorf("%w %q in %s", ErrReservedToken, tok, p)
			}
		}
		pairs = append(pairs, string(p), Quote(v))
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingValue, strings.Join(missing, ", "))
	}

	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}

func known(p Placeholder) bool {
	for _, k := range placeholders {
		if k == p {
			return true
		}
	}
	return false
}

// Quote returns arg as a single shell word. Words made only of safe
// characters are returned unchanged.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, unsafeRune) < 0 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=,+%", r):
		return false
	default:
		return true
	}
}

// Chain joins commands so that they run in order and stop at the first
// failure.
func Chain(cmds ...string) string {
	return strings.Join(cmds, command.ChainSeparator)
}
