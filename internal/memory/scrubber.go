package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const redactedSecret = "[REDACTED]"

// Scrubber removes secrets from content before it becomes shared.
type Scrubber interface {
	// Scrub returns content with secrets replaced and the ids of the rules
	// that matched.
	Scrub(content string) (string, []string)
}

// GitleaksScrubber detects secrets with the default gitleaks rule set.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksScrubber loads the default gitleaks configuration.
func NewGitleaksScrubber() (*GitleaksScrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &GitleaksScrubber{detector: d}, nil
}

// Scrub implements Scrubber.
func (s *GitleaksScrubber) Scrub(content string) (string, []string) {
	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()
	if len(findings) == 0 {
		return content, nil
	}
	// Replace longer secrets first so a secret that contains another is
	// redacted whole.
	sort.Slice(findings, func(i, j int) bool { return len(findings[i].Secret) > len(findings[j].Secret) })
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		if f.Secret != "" {
			content = strings.ReplaceAll(content, f.Secret, redactedSecret)
		}
		rules = append(rules, f.RuleID)
	}
	return content, rules
}

// NopScrubber leaves content unchanged.
type NopScrubber struct{}

func (NopScrubber) Scrub(content string) (string, []string) { return content, nil }
