package infra

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// defaultBootstrapDoc is the built-in machine-initialization document.
// It is applied once, at creation; the platform does not support changing
// custom data on an existing machine.
const defaultBootstrapDoc = `#cloud-config
package_update: true
package_upgrade: true

users:
- default
- name: ${service_user}
  groups: [${sudo_users_group}]
  shell: /bin/bash
  sudo: false

write_files:
- path: /etc/vmdeploy/alert-email
  content: ${alert_email}
  permissions: '0644'
- path: /etc/sudoers.d/90-vmdeploy-operators
  content: |
    # elevated service operators: ${sudo_users}
  permissions: '0440'

runcmd:
- ufw allow OpenSSH
- ufw --force enable
- mkdir -p /opt/${service_user}
- chown ${service_user}:${service_user} /opt/${service_user}
- loginctl enable-linger ${service_user}
`

// BootstrapValues are the placeholder substitutions for the bootstrap
// document. Substitution is literal text replacement.
type BootstrapValues struct {
	AdminUser   string
	ServiceUser string
	AlertEmail  string
	// SudoUsers are the elevated service operator identities, joined with
	// commas into the ${sudo_users} placeholder.
	SudoUsers []string
}

// LoadBootstrapDoc returns the bootstrap document to render: the file at
// path when one is supplied, otherwise the built-in default.
func LoadBootstrapDoc(path string) (string, error) {
	if path == "" {
		return defaultBootstrapDoc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading bootstrap document: %w", err)
	}
	return string(data), nil
}

// RenderBootstrap substitutes the named placeholders into doc. Unknown
// placeholders are left untouched; there is no conditional logic.
func RenderBootstrap(doc string, values BootstrapValues) string {
	replacer := strings.NewReplacer(
		"${admin_user}", values.AdminUser,
		"${service_user}", values.ServiceUser,
		"${alert_email}", values.AlertEmail,
		"${sudo_users}", strings.Join(values.SudoUsers, ","),
		"${sudo_users_group}", "sudo",
	)
	return replacer.Replace(doc)
}

// EncodeBootstrap produces the transport encoding the platform expects for
// custom data.
func EncodeBootstrap(rendered string) string {
	return base64.StdEncoding.EncodeToString([]byte(rendered))
}
