package maintenance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecOff SpecKind = iota
	SpecCron
	SpecInterval
)

func (k SpecKind) String() string {
	switch k {
	case SpecCron:
		return "cron"
	case SpecInterval:
		return "interval"
	default:
		return "off"
	}
}

// Schedule says when a job runs next.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 3 * * *", "@hourly", "@every 10m" (6 fields allow seconds)
//   - interval: "30s", "2h30m", or HH:MM such as "00:05" (5 minutes)
//   - "off" or "disabled"
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type Schedule struct {
	Kind   SpecKind
	Raw    string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm" | "off"

	cron cron.Schedule
	loc  *time.Location
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw. Cron specs are evaluated in loc (nil means local).
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}
	low := strings.ToLower(s)

	switch {
	case low == "off" || low == "disabled":
		return Schedule{Kind: SpecOff, Raw: s, Source: "off"}, nil
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, loc)
	}

	sc, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', a duration like '30s', or 'off')",
			raw,
		)
	}
	return sc, nil
}

func parseCron(expr string, loc *time.Location) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	cs, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: SpecCron, Raw: expr, Source: "cron", cron: cs, loc: loc}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: SpecInterval, Raw: v, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '30s'/'5m')", v)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: SpecInterval, Raw: v, Every: d, Source: "duration"}, nil
}

// Next returns the first run time after t. Zero means never.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.Kind {
	case SpecInterval:
		return t.Add(s.Every)
	case SpecCron:
		if s.cron == nil {
			return time.Time{}
		}
		return s.cron.Next(t.In(s.loc))
	default:
		return time.Time{}
	}
}

func (s Schedule) Disabled() bool { return s.Kind == SpecOff }

func (s Schedule) String() string {
	if s.Kind == SpecOff {
		return "off"
	}
	return s.Kind.String() + ":" + s.Raw
}
