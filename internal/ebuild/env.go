package ebuild

import (
	"os"
	"path/filepath"
	"strings"
)

// DebugVars are copied from the host environment into every phase.
var DebugVars = []string{"PKGCORE_DEBUG", "PKGCORE_PERF_DEBUG"}

// EnvOptions controls ExpectedEnv.
type EnvOptions struct {
	// Depends selects the reduced environment of metadata phases.
	Depends bool
	// HelpersDir holds <eapi>/ and common/ helper directories.
	HelpersDir string
	// PathPrepend is forced to the front of PATH.
	PathPrepend []string
	// LookupEnv reads the host environment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// DirExists reports whether a helper directory exists. Defaults to os.Stat.
	DirExists func(string) bool
}

// ExpectedEnv returns the variables a daemon expects for pkg.
func ExpectedEnv(pkg *Package, opts EnvOptions) map[string]string {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	exists := opts.DirExists
	if exists == nil {
		exists = func(path string) bool {
			fi, err := os.Stat(path)
			return err == nil && fi.IsDir()
		}
	}

	d := map[string]string{
		"CATEGORY": pkg.Category,
		"PF":       pkg.PF(),
		"P":        pkg.P(),
		"PN":       pkg.PN,
		"PV":       pkg.PV,
		"PR":       pkg.PR(),
		"PVR":      pkg.PVR(),
		"EBUILD":   pkg.EbuildPath,
	}
	if pkg.EAPI != "" {
		d["EAPI"] = pkg.EAPI
	}
	for k, v := range pkg.EAPIEnv {
		d[k] = v
	}

	if !opts.Depends {
		path := append([]string{}, opts.PathPrepend...)
		if opts.HelpersDir != "" {
			for _, eapi := range pkg.EAPIInherits {
				dir := filepath.Join(opts.HelpersDir, eapi)
				if exists(dir) {
					path = append(path, dir)
				}
			}
			path = append(path, filepath.Join(opts.HelpersDir, "common"))
		}
		path = append(path, strings.Split(d["PATH"], ":")...)
		hostPath, _ := lookup("PATH")
		path = append(path, strings.Split(hostPath, ":")...)
		d["PATH"] = joinNonEmpty(path, ":")

		d["INHERITED"] = strings.Join(pkg.Inherited, " ")
		d["USE"] = strings.Join(pkg.Use, " ")
		d["SLOT"] = pkg.Slot

		for k, v := range map[string]string{"CHOST": pkg.CHOST, "CBUILD": pkg.CBUILD, "CTARGET": pkg.CTARGET} {
			if v != "" {
				d[k] = v
			}
		}
		// Some ebuilds misbehave when CTARGET is set to CHOST.
		if pkg.CTARGET != "" && pkg.CTARGET == pkg.CHOST {
			delete(d, "CTARGET")
		}
	}

	for _, key := range DebugVars {
		if v, ok := lookup(key); ok {
			d[key] = v
		}
	}
	return d
}

func joinNonEmpty(parts []string, sep string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
