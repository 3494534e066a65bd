package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"
)

// serviceUnit is a user-level service definition for the host init system.
type serviceUnit struct {
	Path  string // where the unit file lives
	Body  string
	Start string // command that activates the unit
}

type unitParams struct {
	Label   string
	Exec    string
	Config  string
	EnvFile string
	LogDir  string
}

var (
	launchdUnit = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key><string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Exec}}</string>
		<string>serve</string>
		<string>--config</string><string>{{.Config}}</string>
		<string>--env-file</string><string>{{.EnvFile}}</string>
	</array>
	<key>RunAtLoad</key><true/>
	<key>KeepAlive</key><true/>
	<key>StandardOutPath</key><string>{{.LogDir}}/serve.out.log</string>
	<key>StandardErrorPath</key><string>{{.LogDir}}/serve.err.log</string>
</dict>
</plist>
`))

	systemdUnit = template.Must(template.New("systemd").Parse(`[Unit]
Description=filebot file sharing bot
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} serve --config {{.Config}} --env-file {{.EnvFile}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
)

// resolveServiceUnit builds the unit for goos; body is empty when render is false.
func resolveServiceUnit(goos, home string, p unitParams, render bool) (serviceUnit, error) {
	var (
		u    serviceUnit
		tmpl *template.Template
	)
	switch goos {
	case "darwin":
		u.Path = filepath.Join(home, "Library", "LaunchAgents", p.Label+".plist")
		u.Start = "launchctl load " + u.Path
		tmpl = launchdUnit
	case "linux":
		u.Path = filepath.Join(home, ".config", "systemd", "user", "filebot.service")
		u.Start = "systemctl --user daemon-reload && systemctl --user enable --now filebot"
		tmpl = systemdUnit
	default:
		return u, fmt.Errorf("no user service manager known for %s", goos)
	}
	if render {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return u, fmt.Errorf("render %s unit: %w", goos, err)
		}
		u.Body = buf.String()
	}
	return u, nil
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run filebot serve as a user service (launchd or systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			envPath, err := filepath.Abs(envFile)
			if err != nil {
				return err
			}
			params := unitParams{
				Label:   "com.filebot.serve",
				Exec:    exe,
				Config:  resolveConfigPath(),
				EnvFile: envPath,
				LogDir:  filepath.Join(home, ".filebot", "logs"),
			}
			unit, err := resolveServiceUnit(runtime.GOOS, home, params, true)
			if err != nil {
				return err
			}
			if printOnly {
				_, err := fmt.Fprint(cmd.OutOrStdout(), unit.Body)
				return err
			}

			for _, dir := range []string{filepath.Dir(unit.Path), params.LogDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(unit.Path, []byte(unit.Body), 0o644); err != nil {
				return fmt.Errorf("write unit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\nstart it with: %s\n", unit.Path, unit.Start)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the unit instead of writing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the filebot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			unit, err := resolveServiceUnit(runtime.GOOS, home, unitParams{Label: "com.filebot.serve"}, false)
			if err != nil {
				return err
			}
			if err := os.Remove(unit.Path); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", unit.Path)
			return nil
		},
	}
}
