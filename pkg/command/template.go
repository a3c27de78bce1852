package command

import "strings"

// OutputOverride is the console visibility forced by a command prefix.
type OutputOverride int

const (
	// OutputDefault keeps the request's OutputVisible flag.
	OutputDefault OutputOverride = iota

	// OutputHidden suppresses console output.
	OutputHidden

	// OutputShown forces console output.
	OutputShown
)

// Apply returns the effective visibility for the given request flag.
func (o OutputOverride) Apply(visible bool) bool {
	switch o {
	case OutputHidden:
		return false
	case OutputShown:
		return true
	default:
		return visible
	}
}

// StripOutputMarkers removes a leading NoOutputPrefix or OutputPrefix and
// reports which one was present.
func StripOutputMarkers(cmd string) (string, OutputOverride) {
	trimmed := strings.TrimLeft(cmd, " \t")
	switch {
	case strings.HasPrefix(trimmed, NoOutputPrefix):
		return strings.TrimLeft(strings.TrimPrefix(trimmed, NoOutputPrefix), " \t"), OutputHidden
	case strings.HasPrefix(trimmed, OutputPrefix):
		return strings.TrimLeft(strings.TrimPrefix(trimmed, OutputPrefix), " \t"), OutputShown
	default:
		return cmd, OutputDefault
	}
}

// Prepare converts a command template into the literal command sent to the
// host. In ModeNormal the dry-run placeholders are removed. In ModeDryRun the
// template must contain DryRunToken; the placeholders are replaced with the
// simulate flag and the alternate config path.
func Prepare(template string, mode Mode, dryRunConfigPath string) (string, error) {
	if mode != ModeDryRun {
		return removeToken(removeToken(template, DryRunToken), DryRunConfigToken), nil
	}

	if !strings.Contains(template, DryRunToken) {
		return "", ErrMissingDryRunToken
	}

	if dryRunConfigPath == "" {
		dryRunConfigPath = DefaultDryRunConfigPath
	}

	cmd := strings.ReplaceAll(template, DryRunToken, DryRunFlag)
	cmd = strings.ReplaceAll(cmd, DryRunConfigToken, DryRunConfigFlag+" "+dryRunConfigPath)
	return cmd, nil
}

// removeToken deletes every occurrence of token together with one following
// space so "drbdadm @DRYRUN@ up r0" becomes "drbdadm up r0".
func removeToken(s, token string) string {
	s = strings.ReplaceAll(s, token+" ", "")
	return strings.ReplaceAll(s, token, "")
}

// SplitChain splits a command on ChainSeparator. Blank sub-commands are
// dropped and surrounding whitespace is trimmed.
func SplitChain(cmd string) []string {
	parts := strings.Split(cmd, ChainSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
