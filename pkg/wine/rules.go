// pkg/wine/rules.go - compatibility rules between Wine builds and application versions.

package wine

import (
	"fmt"
	"slices"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Supported application versions. "9" is the legacy line.
const (
	AppVersionLegacy  = "9"
	AppVersionCurrent = "10"
)

// SupportedAppVersions lists the application versions offered to the user.
var SupportedAppVersions = []string{AppVersionCurrent, AppVersionLegacy}

// releaseCutoff is the first application release numbered in the new scheme, which needs
// a newer Wine.
var releaseCutoff = goversion.Must(goversion.NewVersion("30"))

// Minimum is a required Wine (major, minor).
type Minimum struct {
	Major int
	Minor int
}

func (m Minimum) String() string {
	return fmt.Sprintf("%d.%d", m.Major, m.Minor)
}

// RequiredMinimum returns the Wine floor for an application version and release. An empty
// release is treated as the newest.
func RequiredMinimum(appVersion, appRelease string) (Minimum, error) {
	switch appVersion {
	case AppVersionLegacy:
		return Minimum{7, 0}, nil
	case AppVersionCurrent:
		if appRelease == "" {
			return Minimum{9, 10}, nil
		}
		rel, err := goversion.NewVersion(appRelease)
		if err != nil {
			return Minimum{}, fmt.Errorf("invalid application release %q: %w", appRelease, err)
		}
		if rel.LessThan(releaseCutoff) {
			return Minimum{7, 18}, nil
		}
		return Minimum{9, 10}, nil
	default:
		return Minimum{}, fmt.Errorf("unsupported application version %q", appVersion)
	}
}

// Rule constrains builds of one Wine major version.
type Rule struct {
	Major            int
	Channels         []Channel
	DisallowedMinors []int
	// DevelFromMinor, when set, admits devel and staging builds from this minor on even if
	// Channels is narrower.
	DevelFromMinor int
}

// Rules is keyed by Wine major version.
var Rules = map[int]Rule{
	7:  {Major: 7, Channels: []Channel{ChannelStaging}},
	8:  {Major: 8, Channels: []Channel{ChannelStaging}, DisallowedMinors: []int{0}, DevelFromMinor: 16},
	9:  {Major: 9, Channels: []Channel{ChannelDevel, ChannelStaging}},
	10: {Major: 10, Channels: []Channel{ChannelStable, ChannelDevel, ChannelStaging}},
}

func newestRuleMajor() int {
	newest := 0
	for major := range Rules {
		newest = max(newest, major)
	}
	return newest
}

func (r Rule) allowedChannels(minor int) []Channel {
	if r.DevelFromMinor > 0 && minor >= r.DevelFromMinor {
		allowed := slices.Clone(r.Channels)
		for _, ch := range []Channel{ChannelDevel, ChannelStaging} {
			if !slices.Contains(allowed, ch) {
				allowed = append(allowed, ch)
			}
		}
		return allowed
	}
	return r.Channels
}

func joinChannels(channels []Channel) string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return strings.Join(names, " or ")
}

// CheckRules decides whether candidate may run appVersion at appRelease. The reason is
// empty when the candidate is allowed.
func CheckRules(c Candidate, appRelease, appVersion string) (bool, string) {
	floor, err := RequiredMinimum(appVersion, appRelease)
	if err != nil {
		return false, err.Error()
	}

	belowFloor := c.Major < floor.Major || (c.Major == floor.Major && c.Minor < floor.Minor)
	// Third-party launcher builds of the floor's major at minor 0 carry the fixes the
	// application needs, whatever their channel.
	forked := c.Origin == OriginThirdPartyLauncher && c.Minor == 0 && c.Major == floor.Major && belowFloor

	rule, ok := Rules[c.Major]
	if !ok && c.Major < newestRuleMajor() {
		return false, fmt.Sprintf("Wine %s is not supported; at least %s is required", c.Version(), floor)
	}
	if ok {
		if slices.Contains(rule.DisallowedMinors, c.Minor) {
			return false, fmt.Sprintf("Wine version %s will not work", c.Version())
		}
		allowed := rule.allowedChannels(c.Minor)
		if !forked && !slices.Contains(allowed, c.Channel) {
			if rule.DevelFromMinor > 0 && c.Minor < rule.DevelFromMinor {
				return false, fmt.Sprintf("Wine %d.x before %d.%d must be %s, got %s",
					c.Major, c.Major, rule.DevelFromMinor, joinChannels(rule.Channels), c.Channel)
			}
			return false, fmt.Sprintf("Wine %s must be %s, got %s", c.Version(), joinChannels(allowed), c.Channel)
		}
	}

	if belowFloor && !forked {
		return false, fmt.Sprintf("Wine %s is older than the required %s", c.Version(), floor)
	}
	return true, ""
}

// Check is CheckRules as an error wrapping ErrCompatibility.
func Check(c Candidate, appRelease, appVersion string) error {
	if ok, reason := CheckRules(c, appRelease, appVersion); !ok {
		return fmt.Errorf("%w: %s: %s", ErrCompatibility, c.Path, reason)
	}
	return nil
}
