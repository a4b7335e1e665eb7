package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName is the directory name used under the platform base directories.
const AppName = "scribe"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/scribe/
//   - Linux:   $XDG_DATA_HOME/scribe/ (~/.local/share/scribe/)
//   - Windows: %LOCALAPPDATA%\scribe\
func PlatformDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	if envDir := os.Getenv("SCRIBE_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	return filepath.Join(xdg.ConfigHome, AppName)
}

// PlatformCacheDir returns the platform-specific cache directory.
func PlatformCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// PlatformStateDir returns the directory for logs and other state.
func PlatformStateDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}

// DefaultSamplePatterns returns glob patterns for text samples.
func DefaultSamplePatterns() []string {
	return []string{"*.txt", "*.md", "*.markdown", "*.text", "*.html", "*.htm"}
}

// DefaultExcludePatterns returns glob patterns for files that are never samples.
func DefaultExcludePatterns() []string {
	return []string{
		// Hidden and editor files
		".*",
		"*~",
		"*.swp",
		"*.swo",
		"#*#",

		// Partial writes
		"*.tmp",
		"*.part",
		"*.crdownload",
	}
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in the config
// directory, or the default TOML path when none exists.
func FindConfigFile() string {
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ConfigPath()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
