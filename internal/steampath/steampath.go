// Package steampath locates the Steam installation root and the plugin
// directory manifest scripts are installed into.
package steampath

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

var pluginDirParts = []string{"config", "stplug-in"}

// Discover returns the Steam root directory. An explicit override wins,
// then the STEAM_ROOT environment variable, then platform-specific known
// locations. A candidate counts only if it looks like a Steam install
// (steam binary or config directory present).
func Discover(override string) (string, error) {
	if override != "" {
		if looksLikeSteamRoot(override) {
			return override, nil
		}
		return "", fmt.Errorf("steam root %q: not a Steam installation", override)
	}

	if env := os.Getenv("STEAM_ROOT"); env != "" {
		if looksLikeSteamRoot(env) {
			return env, nil
		}
		return "", fmt.Errorf("STEAM_ROOT=%q: not a Steam installation", env)
	}

	for _, c := range candidates() {
		if looksLikeSteamRoot(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("steam root not found")
}

// PluginDir returns the directory under root that manifest scripts are
// installed into, creating it if needed.
func PluginDir(root string) (string, error) {
	dir := filepath.Join(append([]string{root}, pluginDirParts...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create plugin dir: %w", err)
	}
	return dir, nil
}

func candidates() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		paths := []string{}
		if pf := os.Getenv("ProgramFiles(x86)"); pf != "" {
			paths = append(paths, filepath.Join(pf, "Steam"))
		}
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			paths = append(paths, filepath.Join(pf, "Steam"))
		}
		paths = append(paths,
			`C:\Program Files (x86)\Steam`,
			`C:\Program Files\Steam`,
			filepath.Join(home, "AppData", "Local", "Steam"),
		)
		return paths
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "Application Support", "Steam"),
		}
	default:
		return []string{
			filepath.Join(home, ".local", "share", "Steam"),
			filepath.Join(home, ".steam", "steam"),
			filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".local", "share", "Steam"),
		}
	}
}

func looksLikeSteamRoot(root string) bool {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return false
	}
	for _, marker := range []string{"steam.exe", "steam.sh", "config"} {
		if _, err := os.Stat(filepath.Join(root, marker)); err == nil {
			return true
		}
	}
	return false
}
