package realtime

import (
	"strings"

	"github.com/ricochet1k/beamlink/internal/domain"
)

const TopicAll = "*"

func IsSupportedTopic(topic string) bool {
	switch topic {
	case TopicAll, domain.TopicPairing, domain.TopicSerial, domain.TopicScan, domain.TopicSession, domain.TopicJob:
		return true
	default:
		return false
	}
}

// ParseTopics splits a comma separated list. Empty input means all topics.
func ParseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{TopicAll}, nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !IsSupportedTopic(t) {
			return nil, domain.ValidationError("topics", "unsupported topic %q", t)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return []string{TopicAll}, nil
	}
	return out, nil
}
