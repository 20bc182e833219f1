package localfs

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// TmpPrefix marks partial downloads living next to their target.
const TmpPrefix = ".~nxsync_"

// SidecarPrefix marks the remote_ref sidecar of filesystems without xattrs.
const SidecarPrefix = ".~nxref_"

// forbidden maps characters rejected by at least one supported platform.
var forbidden = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	"*", "-",
	"<", "-",
	">", "-",
	"?", "-",
	"\"", "-",
	"|", "-",
	":", "-",
)

// ignoredPatterns are temporary or lock files written by editors and office
// suites. They never become pairs.
var ignoredPatterns = []string{
	"~$*",
	"*.swp",
	"*.swx",
	"*.part",
	"*.crdownload",
	"*.tmp",
	"*.lock",
	".~lock.*#",
	"Thumbs.db",
	"desktop.ini",
}

var dedupRe = regexp.MustCompile(`^(.*)__(\d+)$`)

// SafeName replaces characters that cannot be used in file names.
func SafeName(name string) string {
	name = forbidden.Replace(name)
	return strings.TrimRight(name, " .")
}

// IsIgnored reports whether a file name must be skipped by the watchers.
// Dotfiles are always ignored; they include partial downloads and sidecars.
func IsIgnored(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return true
	}
	for _, pattern := range ignoredPatterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// splitExt splits a name into base and extension, keeping dotfiles whole.
func splitExt(name string) (string, string) {
	ext := path.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// DedupName returns name with the __N suffix inserted before the extension.
func DedupName(name string, n int) string {
	base, ext := splitExt(name)
	return fmt.Sprintf("%s__%d%s", base, n, ext)
}

// StripDedup removes a __N suffix added by DedupName.
func StripDedup(name string) string {
	base, ext := splitExt(name)
	if m := dedupRe.FindStringSubmatch(base); m != nil {
		return m[1] + ext
	}
	return name
}

// LocalCopyName returns the name of the copy kept for a conflicted file.
func LocalCopyName(name string) string {
	base, ext := splitExt(name)
	return base + " (local copy)" + ext
}

// TmpName returns the partial download name of a target file.
func TmpName(name string) string {
	return TmpPrefix + name + ".part"
}
