package mqttbroker

import (
	"errors"
	"strings"
)

var (
	errEmptyTopic    = errors.New("empty topic")
	errTopicWildcard = errors.New("wildcard in topic name")
	errBadFilter     = errors.New("malformed topic filter")
)

// ValidateTopic checks a topic name used in a publish.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errEmptyTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return errTopicWildcard
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole level
// and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errEmptyTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return errBadFilter
		}
		if strings.Contains(level, "+") && level != "+" {
			return errBadFilter
		}
	}
	return nil
}

// MatchTopic reports whether topic matches filter.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// topics starting with $ are not matched by leading wildcards
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
