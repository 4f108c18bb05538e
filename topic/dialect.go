package topic

import (
	"fmt"
	"strings"
)

// Dialect describes how a broker spells topics and wildcards.
type Dialect struct {
	Name      string
	Separator string
	// SingleLevel and MultiLevel are empty when the broker has no wildcards.
	SingleLevel string
	MultiLevel  string
	// MultiLevelMatchesParent is set when the multi-level wildcard also
	// matches zero levels, which is wider than '>'.
	MultiLevelMatchesParent bool
	// Reserved lists characters that may not appear inside a literal level.
	Reserved string
}

var (
	Canonical = Dialect{Name: "canonical", Separator: Separator, SingleLevel: SingleLevel, MultiLevel: MultiLevel}
	NATS      = Dialect{Name: "nats", Separator: ".", SingleLevel: "*", MultiLevel: ">"}
	AMQP      = Dialect{Name: "amqp", Separator: ".", SingleLevel: "*", MultiLevel: "#", MultiLevelMatchesParent: true}
	MQTT      = Dialect{Name: "mqtt", Separator: "/", SingleLevel: "+", MultiLevel: "#", MultiLevelMatchesParent: true, Reserved: "+#"}
	Kafka     = Dialect{Name: "kafka", Separator: "."}
	RocketMQ  = Dialect{Name: "rocketmq", Separator: "|"}
	Redis     = Dialect{Name: "redis", Separator: ":"}
)

// Filter translates p into a subscription filter for the dialect. exact is
// false when the filter selects more topics than p, in which case deliveries
// must be checked with p.Match.
func (d Dialect) Filter(p Pattern) (filter string, exact bool, err error) {
	exact = true
	out := make([]string, 0, len(p.levels))

	for _, lvl := range p.levels {
		switch {
		case lvl == MultiLevel:
			if d.MultiLevel == "" {
				return "", false, fmt.Errorf("%w: %s: %q", ErrWildcardUnsupported, d.Name, p.raw)
			}
			if d.MultiLevelMatchesParent {
				exact = false
			}
			out = append(out, d.MultiLevel)
		case lvl == SingleLevel:
			if d.SingleLevel == "" {
				return "", false, fmt.Errorf("%w: %s: %q", ErrWildcardUnsupported, d.Name, p.raw)
			}
			out = append(out, d.SingleLevel)
		case strings.HasSuffix(lvl, SingleLevel):
			if d.SingleLevel == "" {
				return "", false, fmt.Errorf("%w: %s: %q", ErrWildcardUnsupported, d.Name, p.raw)
			}
			exact = false
			out = append(out, d.SingleLevel)
		default:
			if d.representable(lvl) {
				out = append(out, lvl)
				continue
			}
			if d.SingleLevel == "" {
				return "", false, fmt.Errorf("%w: %s: %q", ErrUnrepresentable, d.Name, lvl)
			}
			exact = false
			out = append(out, d.SingleLevel)
		}
	}

	return strings.Join(out, d.Separator), exact, nil
}

// Topic translates a concrete canonical topic into the dialect.
func (d Dialect) Topic(t string) (string, error) {
	if err := ValidateTopic(t); err != nil {
		return "", err
	}
	if d.Separator == Separator && d.Reserved == "" {
		return t, nil
	}

	levels := strings.Split(t, Separator)
	for _, lvl := range levels {
		if !d.representable(lvl) {
			return "", fmt.Errorf("%w: %s: %q", ErrUnrepresentable, d.Name, lvl)
		}
	}
	return strings.Join(levels, d.Separator), nil
}

// Canonical converts a topic received from the broker back to '/' form.
func (d Dialect) Canonical(wire string) string {
	if d.Separator == Separator {
		return wire
	}
	return strings.ReplaceAll(wire, d.Separator, Separator)
}

func (d Dialect) representable(lvl string) bool {
	if d.Separator != Separator && strings.Contains(lvl, d.Separator) {
		return false
	}
	if d.Reserved != "" && strings.ContainsAny(lvl, d.Reserved) {
		return false
	}
	return lvl != d.SingleLevel && lvl != d.MultiLevel
}
