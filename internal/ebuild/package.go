// Package ebuild describes the package a daemon builds and the environment
// the daemon expects for it.
package ebuild

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Package is the subset of package metadata the daemons consume.
type Package struct {
	Category string
	PN       string
	PV       string
	Revision int

	// EbuildPath is empty for binary packages.
	EbuildPath string

	EAPI string
	// EAPIEnv holds EAPI specific variables handed to the daemon.
	EAPIEnv map[string]string
	// EAPIInherits lists the EAPI and the EAPIs it builds on, newest first.
	EAPIInherits []string

	// Inherited lists the eclasses the ebuild inherits.
	Inherited []string
	Use       []string
	Slot      string

	CHOST   string
	CBUILD  string
	CTARGET string
}

// P returns name-version.
func (p *Package) P() string { return p.PN + "-" + p.PV }

// PR returns the revision as r<N>.
func (p *Package) PR() string { return "r" + strconv.Itoa(p.Revision) }

// PVR returns the version with the revision when it is non-zero.
func (p *Package) PVR() string {
	if p.Revision == 0 {
		return p.PV
	}
	return p.PV + "-" + p.PR()
}

// PF returns name-version-revision.
func (p *Package) PF() string { return p.PN + "-" + p.PVR() }

func (p *Package) String() string {
	return p.Category + "/" + p.PF()
}

var versionRe = regexp.MustCompile(`^(\d+(?:\.\d+)*[a-z]?(?:_(?:alpha|beta|pre|rc|p)\d*)*)(?:-r(\d+))?$`)

// ParsePackagePath derives category, name and version from an ebuild path
// laid out as <repo>/<category>/<name>/<name>-<version>[-r<N>].ebuild.
func ParsePackagePath(path string) (*Package, error) {
	if !strings.HasSuffix(path, ".ebuild") {
		return nil, fmt.Errorf("%s: not an ebuild", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	pnDir := filepath.Dir(abs)
	pn := filepath.Base(pnDir)
	category := filepath.Base(filepath.Dir(pnDir))
	if category == "/" || category == "." || pn == "/" {
		return nil, fmt.Errorf("%s: expected <category>/<name>/<name>-<version>.ebuild", path)
	}

	stem := strings.TrimSuffix(filepath.Base(abs), ".ebuild")
	ver, ok := strings.CutPrefix(stem, pn+"-")
	if !ok {
		return nil, fmt.Errorf("%s: file name does not start with %q", path, pn+"-")
	}
	m := versionRe.FindStringSubmatch(ver)
	if m == nil {
		return nil, fmt.Errorf("%s: invalid version %q", path, ver)
	}

	pkg := &Package{
		Category:   category,
		PN:         pn,
		PV:         m[1],
		EbuildPath: abs,
		Slot:       "0",
	}
	if m[2] != "" {
		pkg.Revision, err = strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%s: invalid revision: %w", path, err)
		}
	}
	return pkg, nil
}
