package runner

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveWorkdir normalizes a client-supplied working directory and
// guarantees the result exists. Requests may originate from a Windows
// browser talking to a daemon inside a POSIX compatibility layer, so
// drive-letter and UNC paths are translated to their mount-point
// equivalents before validation. An empty input resolves to the daemon's
// current directory. When the candidate fails validation the fallback
// chain is home directory, temp directory, filesystem root; the last
// attempted path is returned if every check errors.
func ResolveWorkdir(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		if wd, err := os.Getwd(); err == nil {
			candidate = wd
		}
	}
	candidate = translateForeignPath(candidate)

	attempted := candidate
	if isUsableDir(candidate) {
		return candidate
	}

	if home, err := os.UserHomeDir(); err == nil {
		attempted = home
		if isUsableDir(home) {
			return home
		}
	}
	if tmp := os.TempDir(); tmp != "" {
		attempted = tmp
		if isUsableDir(tmp) {
			return tmp
		}
	}
	root := "/"
	if runtime.GOOS == "windows" {
		root = `C:\`
	}
	attempted = root
	if isUsableDir(root) {
		return root
	}
	return attempted
}

func isUsableDir(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// translateForeignPath rewrites Windows-style paths into their POSIX
// compatibility-layer equivalents. The translation table wins over any
// environment-derived notion of home; only "~" consults the OS.
func translateForeignPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			rest := strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/")
			rest = strings.TrimPrefix(rest, `\`)
			if rest == "" {
				return home
			}
			return filepath.Join(home, filepath.FromSlash(strings.ReplaceAll(rest, `\`, "/")))
		}
		return path
	}
	if runtime.GOOS == "windows" {
		return path
	}

	// UNC share: \\host\share\dir -> /mnt/host/share/dir
	if strings.HasPrefix(path, `\\`) {
		trimmed := strings.TrimPrefix(path, `\\`)
		parts := strings.Split(strings.ReplaceAll(trimmed, `\`, "/"), "/")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		return "/mnt/" + strings.Join(cleaned, "/")
	}

	// Drive letter: C:\Users\x or C:/Users/x -> /mnt/c/Users/x
	if len(path) >= 2 && path[1] == ':' && isASCIILetter(path[0]) {
		drive := strings.ToLower(string(path[0]))
		rest := strings.ReplaceAll(path[2:], `\`, "/")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return "/mnt/" + drive
		}
		return "/mnt/" + drive + "/" + rest
	}

	return path
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
