package manifest

import (
	"path/filepath"
	"strings"
)

// FileName is the manifest file expected at the root of every plugin package
const FileName = "plugin.json"

// Permission represents a capability that a plugin can request
type Permission string

const (
	PermissionStorage       Permission = "storage"
	PermissionNotifications Permission = "notifications"
	PermissionNetwork       Permission = "network"
	PermissionFilesystem    Permission = "filesystem"
	PermissionGeolocation   Permission = "geolocation"
	PermissionCamera        Permission = "camera"
	PermissionMicrophone    Permission = "microphone"
	PermissionClipboard     Permission = "clipboard"
)

// ValidPermissions is the fixed set of permissions a manifest may declare
var ValidPermissions = map[Permission]bool{
	PermissionStorage:       true,
	PermissionNotifications: true,
	PermissionNetwork:       true,
	PermissionFilesystem:    true,
	PermissionGeolocation:   true,
	PermissionCamera:        true,
	PermissionMicrophone:    true,
	PermissionClipboard:     true,
}

// DefaultPermissions are granted to every plugin without confirmation
var DefaultPermissions = []Permission{
	PermissionStorage,
	PermissionNotifications,
}

var permissionDescriptions = map[Permission]string{
	PermissionStorage:       "Store and retrieve its own data on this computer",
	PermissionNotifications: "Show desktop notifications",
	PermissionNetwork:       "Send and receive data over the network",
	PermissionFilesystem:    "Read and write files in its private data folder",
	PermissionGeolocation:   "Access your approximate location",
	PermissionCamera:        "Use your camera",
	PermissionMicrophone:    "Use your microphone",
	PermissionClipboard:     "Read and write the clipboard",
}

// Describe returns a human-readable description of a permission
func (p Permission) Describe() string {
	if desc, ok := permissionDescriptions[p]; ok {
		return desc
	}
	return string(p)
}

// IsValid reports whether the permission belongs to the enumerated set
func (p Permission) IsValid() bool {
	return ValidPermissions[p]
}

// IsDefault reports whether the permission is part of the default grant set
func (p Permission) IsDefault() bool {
	for _, d := range DefaultPermissions {
		if d == p {
			return true
		}
	}
	return false
}

// Manifest is the declarative descriptor found in plugin.json
type Manifest struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Author      string       `json:"author"`
	Main        string       `json:"main"`
	Permissions []Permission `json:"permissions,omitempty"`
	Category    string       `json:"category,omitempty"`
	Icon        string       `json:"icon,omitempty"`
	Window      *WindowHints `json:"window,omitempty"`
}

// WindowHints are optional geometry hints for the plugin's sandbox window
type WindowHints struct {
	Width     int   `json:"width,omitempty"`
	Height    int   `json:"height,omitempty"`
	MinWidth  int   `json:"minWidth,omitempty"`
	MinHeight int   `json:"minHeight,omitempty"`
	MaxWidth  int   `json:"maxWidth,omitempty"`
	MaxHeight int   `json:"maxHeight,omitempty"`
	Resizable *bool `json:"resizable,omitempty"`
}

// ID returns the plugin identity derived from the manifest name
func (m *Manifest) ID() string {
	return DeriveID(m.Name)
}

// HasPermission reports whether the manifest declares the permission
func (m *Manifest) HasPermission(p Permission) bool {
	for _, declared := range m.Permissions {
		if declared == p {
			return true
		}
	}
	return false
}

// entryExtensions lists the content types a plugin entry point may have.
// Script entries get wrapped in an HTML shell before loading.
var entryExtensions = map[string]bool{
	".html": true,
	".htm":  true,
	".js":   true,
	".mjs":  true,
}

// IsSupportedEntry reports whether the entry point has a recognized extension
func IsSupportedEntry(main string) bool {
	return entryExtensions[strings.ToLower(filepath.Ext(main))]
}

// IsScriptEntry reports whether the entry point is bare script content
func IsScriptEntry(main string) bool {
	ext := strings.ToLower(filepath.Ext(main))
	return ext == ".js" || ext == ".mjs"
}

// DeriveID builds the plugin identity from its display name. The name is
// lower-cased and every character outside [a-z0-9-] becomes a hyphen.
func DeriveID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
