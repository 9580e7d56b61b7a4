package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// NetworkRequirement restricts which networks a background sync may use.
type NetworkRequirement string

const (
	NetworkAny       NetworkRequirement = "any"
	NetworkUnmetered NetworkRequirement = "unmetered"
)

// PowerRequirement restricts background syncs by power state.
type PowerRequirement string

const (
	PowerAny          PowerRequirement = "any"
	PowerConservative PowerRequirement = "conservative"
	PowerCharging     PowerRequirement = "charging"
)

// ConservativeMinLevel is the lowest battery level at which a conservative
// power requirement is met without charging.
const ConservativeMinLevel = 0.20

// Conditions gate every scheduled tick.
type Conditions struct {
	Network NetworkRequirement
	Power   PowerRequirement
	Window  *Window
}

// ParseNetworkRequirement validates s. Empty means any.
func ParseNetworkRequirement(s string) (NetworkRequirement, error) {
	switch NetworkRequirement(strings.ToLower(s)) {
	case "", NetworkAny:
		return NetworkAny, nil
	case NetworkUnmetered:
		return NetworkUnmetered, nil
	}
	return "", fmt.Errorf("unknown network requirement %q (want any or unmetered)", s)
}

// ParsePowerRequirement validates s. Empty means any.
func ParsePowerRequirement(s string) (PowerRequirement, error) {
	switch PowerRequirement(strings.ToLower(s)) {
	case "", PowerAny:
		return PowerAny, nil
	case PowerConservative:
		return PowerConservative, nil
	case PowerCharging, "charging-only":
		return PowerCharging, nil
	}
	return "", fmt.Errorf("unknown power requirement %q (want any, conservative or charging)", s)
}

// Evaluate returns the reasons a sync may not run at now. An empty result
// means every condition is met.
func (c Conditions) Evaluate(now time.Time, env Environment) []string {
	var reasons []string

	net := NetworkUnknown
	power := PowerState{Level: -1}
	if env != nil {
		net = env.NetworkType()
		power = env.PowerState()
	}

	switch c.Network {
	case NetworkUnmetered:
		if net != NetworkTypeUnmetered {
			reasons = append(reasons, fmt.Sprintf("network is %s, unmetered required", net))
		}
	default:
		if net == NetworkNone {
			reasons = append(reasons, "no network connection")
		}
	}

	switch c.Power {
	case PowerCharging:
		if !power.Charging {
			reasons = append(reasons, "device is not charging")
		}
	case PowerConservative:
		if !power.Charging {
			if power.PowerSaver {
				reasons = append(reasons, "power saver is on")
			} else if power.Level >= 0 && power.Level < ConservativeMinLevel {
				reasons = append(reasons, fmt.Sprintf("battery at %.0f%%, below %.0f%%", power.Level*100, ConservativeMinLevel*100))
			}
		}
	}

	if c.Window != nil && !c.Window.Contains(now) {
		reasons = append(reasons, fmt.Sprintf("outside allowed window %s", c.Window))
	}

	return reasons
}

// Window is a daily time-of-day range. When Start is after End the window
// wraps past midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// ParseWindow parses both bounds with ParseClock.
func ParseWindow(start, end string) (*Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return nil, fmt.Errorf("invalid window start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, fmt.Errorf("invalid window end: %w", err)
	}
	return &Window{Start: s, End: e}, nil
}

// Contains reports whether the local clock time of t falls inside the
// window. Start is inclusive and End exclusive. Equal bounds cover the whole
// day.
func (w Window) Contains(t time.Time) bool {
	tod := sinceMidnight(t)
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return tod >= w.Start && tod < w.End
	default:
		return tod >= w.Start || tod < w.End
	}
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", formatClock(w.Start), formatClock(w.End))
}

var clockParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseClock converts a clock time to an offset from midnight. It accepts
// "HH:MM" and natural phrases such as "10pm" or "6:30 am".
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty clock time")
	}

	if t, err := time.Parse("15:04", s); err == nil {
		return sinceMidnight(t), nil
	}

	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := clockParser.Parse(s, base)
	if err != nil {
		return 0, fmt.Errorf("failed to parse clock time %q: %w", s, err)
	}
	if r == nil {
		return 0, fmt.Errorf("unrecognized clock time %q", s)
	}
	return sinceMidnight(r.Time), nil
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
