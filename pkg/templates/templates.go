// Package templates renders the files written by pushdeploy init.
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Template names
const (
	Config         = "config"
	SystemdService = "systemd-service"
)

//go:embed defaults/*.template
var defaults embed.FS

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the search paths for templates
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "pushdeploy", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Templates are loaded from the filesystem in the following order, falling
// back to the built-in default:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/pushdeploy/templates/<name>.template
func GetTemplate(name string) (string, error) {
	// Validate template name
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s (available: %s)", name, strings.Join(ListTemplates(), ", "))
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s", name)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution.
//
// Example:
//
//	rendered, err := Render(Config, TemplateData{
//	    "WEBHOOK_SECRET": secret,
//	})
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	// Replace placeholders
	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}

	return rendered, nil
}

// ConfigData fills the sample configuration
type ConfigData struct {
	WebhookSecret string
	ServiceName   string
	Repository    string
	ServicePath   string
}

// RenderConfig renders the sample services configuration
func RenderConfig(d ConfigData) (string, error) {
	return Render(Config, TemplateData{
		"WEBHOOK_SECRET": d.WebhookSecret,
		"SERVICE_NAME":   d.ServiceName,
		"REPOSITORY":     d.Repository,
		"SERVICE_PATH":   d.ServicePath,
	})
}

// SystemdData fills the systemd unit
type SystemdData struct {
	User       string
	Group      string
	WorkingDir string
	Binary     string
	ConfigFile string
	DBPath     string
	LogFile    string
}

// RenderSystemdService renders the systemd service template.
func RenderSystemdService(d SystemdData) (string, error) {
	return Render(SystemdService, TemplateData{
		"USER":        d.User,
		"GROUP":       d.Group,
		"WORKING_DIR": d.WorkingDir,
		"BINARY":      d.Binary,
		"CONFIG_FILE": d.ConfigFile,
		"DB_PATH":     d.DBPath,
		"LOG_FILE":    d.LogFile,
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		Config,
		SystemdService,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	return slices.Contains(ListTemplates(), name)
}
