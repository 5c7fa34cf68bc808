package symbolizer

import (
	"fmt"
	"strconv"

	"github.com/grafana/regexp"
)

// SectionMatcher finds a PROGBITS section in `readelf -W -S` output.
type SectionMatcher struct {
	section string
	re      *regexp.Regexp
}

func NewSectionMatcher(section string) (*SectionMatcher, error) {
	re, err := regexp.Compile(regexp.QuoteMeta(section) + `\s+PROGBITS\s+([0-9a-f]+)\s+([0-9a-f]+)`)
	if err != nil {
		return nil, fmt.Errorf("invalid section name %q: %w", section, err)
	}
	return &SectionMatcher{section: section, re: re}, nil
}

// Bias returns the section's address minus its file offset. A section that
// is not listed yields 0.
func (m *SectionMatcher) Bias(readelfOutput []byte) (uint64, error) {
	match := m.re.FindSubmatch(readelfOutput)
	if match == nil {
		return 0, nil
	}
	vma, err := strconv.ParseUint(string(match[1]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s address %q: %w", m.section, match[1], err)
	}
	off, err := strconv.ParseUint(string(match[2]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s offset %q: %w", m.section, match[2], err)
	}
	return vma - off, nil
}
