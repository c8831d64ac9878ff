package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pushdeploy/internal/service"
)

func TestGetTemplate_BuiltIn(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name         string
		templateName string
		wantErr      bool
		contains     string
	}{
		{"config template", Config, false, "webhook_secret:"},
		{"systemd service template", SystemdService, false, "[Unit]"},
		{"unknown template", "invalid-template", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetTemplate(tt.templateName)
			if (err != nil) != tt.wantErr {
				t.Errorf("GetTemplate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !strings.Contains(got, tt.contains) {
				t.Errorf("GetTemplate() should contain %q", tt.contains)
			}
		})
	}
}

func TestGetTemplate_FilesystemOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0755); err != nil {
		t.Fatalf("Failed to create templates directory: %v", err)
	}
	custom := "[Unit]\nDescription=custom {{USER}}\n"
	if err := os.WriteFile(filepath.Join(dir, "templates", "systemd-service.template"), []byte(custom), 0644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}
	t.Chdir(dir)

	rendered, err := RenderSystemdService(SystemdData{User: "deploybot"})
	if err != nil {
		t.Fatalf("RenderSystemdService() error = %v", err)
	}
	if rendered != "[Unit]\nDescription=custom deploybot\n" {
		t.Errorf("Expected the override to be used, got %q", rendered)
	}
}

func TestRender(t *testing.T) {
	t.Chdir(t.TempDir())

	got, err := Render(SystemdService, TemplateData{"USER": "deploybot"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(got, "User=deploybot") {
		t.Errorf("Render() should substitute USER, got: %s", got)
	}
	// Placeholders without data are left as they are
	if !strings.Contains(got, "{{GROUP}}") {
		t.Error("Render() should leave unknown placeholders untouched")
	}

	_, err = Render("invalid", TemplateData{})
	if err == nil {
		t.Fatal("Render() should fail for an unknown template")
	}
	if !strings.Contains(err.Error(), "available: config, systemd-service") {
		t.Errorf("Render() error should list the available templates, got: %v", err)
	}
}

func TestRenderConfig_IsValidConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())

	rendered, err := RenderConfig(ConfigData{
		WebhookSecret: "0123456789abcdef0123456789abcdef",
		ServiceName:   "api",
		Repository:    "octo/api",
		ServicePath:   "/srv/api",
	})
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}

	settings, services, err := service.Parse([]byte(rendered))
	if err != nil {
		t.Fatalf("Rendered config does not parse: %v\n%s", err, rendered)
	}
	if settings.WebhookSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Unexpected secret %q", settings.WebhookSecret)
	}
	if settings.Policy != service.PolicyQueue {
		t.Errorf("Expected queue policy, got %q", settings.Policy)
	}
	if len(services) != 1 || services[0].Name != "api" || services[0].Path != "/srv/api" {
		t.Errorf("Unexpected services: %+v", services)
	}
	if !strings.Contains(services[0].Command, "./deploy.sh") {
		t.Errorf("Unexpected command %q", services[0].Command)
	}
}

func TestRenderSystemdService(t *testing.T) {
	t.Chdir(t.TempDir())

	rendered, err := RenderSystemdService(SystemdData{
		User:       "deploybot",
		Group:      "www-data",
		WorkingDir: "/var/lib/pushdeploy",
		Binary:     "/usr/local/bin/pushdeploy",
		ConfigFile: "/etc/pushdeploy/config.yaml",
		DBPath:     "/var/lib/pushdeploy/deployments.db",
		LogFile:    "/var/log/pushdeploy.log",
	})
	if err != nil {
		t.Fatalf("RenderSystemdService() error = %v", err)
	}

	expectations := []string{
		"User=deploybot",
		"Group=www-data",
		"WorkingDirectory=/var/lib/pushdeploy",
		"ExecStart=/usr/local/bin/pushdeploy serve --config /etc/pushdeploy/config.yaml",
	}

	for _, expected := range expectations {
		if !strings.Contains(rendered, expected) {
			t.Errorf("RenderSystemdService() should contain %q", expected)
		}
	}
}

func TestListTemplates(t *testing.T) {
	templates := ListTemplates()

	if len(templates) != 2 {
		t.Errorf("ListTemplates() returned %d templates, want 2", len(templates))
	}

	for _, name := range templates {
		if !ValidateTemplate(name) {
			t.Errorf("ListTemplates() returned invalid template %s", name)
		}
	}
}

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name         string
		templateName string
		want         bool
	}{
		{"valid config", Config, true},
		{"valid systemd service", SystemdService, true},
		{"invalid template", "invalid-template", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTemplate(tt.templateName)
			if got != tt.want {
				t.Errorf("ValidateTemplate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkRenderConfig(b *testing.B) {
	data := ConfigData{WebhookSecret: "secret", ServiceName: "api", Repository: "octo/api", ServicePath: "/srv/api"}

	for i := 0; i < b.N; i++ {
		_, _ = RenderConfig(data)
	}
}
