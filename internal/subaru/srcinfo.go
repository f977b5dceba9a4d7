package subaru

import (
	"bufio"
	"strings"
)

// Srcinfo is a parsed build manifest (.SRCINFO): a key/multi-value
// mapping describing a source package's declared dependencies, source
// URLs and signing keys. Parsed fresh per build; read-only afterwards.
type Srcinfo struct {
	fields map[string][]string
}

// ParseSrcinfo parses the manifest text. Lines are `key = value`
// pairs; repeated keys accumulate. Blank lines and comments are
// skipped.
func ParseSrcinfo(data string) *Srcinfo {
	s := &Srcinfo{fields: make(map[string][]string)}
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			continue
		}
		s.fields[key] = append(s.fields[key], val)
	}
	return s
}

func (s *Srcinfo) first(key string) string {
	if vals := s.fields[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (s *Srcinfo) PkgBase() string { return s.first("pkgbase") }
func (s *Srcinfo) PkgVer() string  { return s.first("pkgver") }
func (s *Srcinfo) PkgRel() string  { return s.first("pkgrel") }

// Version returns the composed version-release string, the form the
// native package manager reports for installed packages.
func (s *Srcinfo) Version() string {
	if s.PkgRel() == "" {
		return s.PkgVer()
	}
	return s.PkgVer() + "-" + s.PkgRel()
}

// archSuffix maps the Go architecture onto the manifest field suffix.
func archSuffix() string {
	switch sysArch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	}
	return sysArch
}

// withArch returns the values of key plus its per-architecture
// variant for the running system.
func (s *Srcinfo) withArch(key string) []string {
	out := append([]string{}, s.fields[key]...)
	out = append(out, s.fields[key+"_"+archSuffix()]...)
	return out
}

func (s *Srcinfo) Depends() []string      { return s.withArch("depends") }
func (s *Srcinfo) MakeDepends() []string  { return s.withArch("makedepends") }
func (s *Srcinfo) CheckDepends() []string { return s.withArch("checkdepends") }
func (s *Srcinfo) Sources() []string      { return s.withArch("source") }
func (s *Srcinfo) ValidPGPKeys() []string { return s.fields["validpgpkeys"] }

// OptDepends returns optional dependencies mapped to their
// descriptions (the part after ':', if any).
func (s *Srcinfo) OptDepends() map[string]string {
	out := make(map[string]string)
	for _, raw := range s.withArch("optdepends") {
		name := raw
		desc := ""
		if idx := strings.Index(raw, ":"); idx != -1 {
			name = strings.TrimSpace(raw[:idx])
			desc = strings.TrimSpace(raw[idx+1:])
		}
		if name != "" {
			out[name] = desc
		}
	}
	return out
}

// AllDepends returns build-time, run-time and check-time dependency
// declarations, in declaration order.
func (s *Srcinfo) AllDepends() []string {
	var out []string
	out = append(out, s.Depends()...)
	out = append(out, s.MakeDepends()...)
	out = append(out, s.CheckDepends()...)
	return out
}
