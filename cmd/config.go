package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "daybook"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage daybook configuration.

Running bare 'daybook config' is the same as 'daybook config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configKey is one setting shown by 'config show' and written by 'config init'.
type configKey struct {
	Key  string // dotted viper key
	Help string
}

// configSection groups keys under one YAML mapping; Name is empty for top-level keys.
type configSection struct {
	Name string
	Help string
	Keys []configKey
}

var configSections = []configSection{
	{Help: "Local state: database, serve PID file and serve log.", Keys: []configKey{
		{"state_dir", "State directory"},
		{"db_path", "SQLite database"},
	}},
	{Name: "log", Keys: []configKey{
		{"log.level", "debug, info, warn or error"},
		{"log.format", "text or json"},
		{"log.file", "Rotating log file; empty logs to stderr"},
	}},
	{Name: "remote", Help: "GitHub API used as the document store. The repository is set with 'daybook sync setup'.", Keys: []configKey{
		{"remote.api_url", "API base URL"},
		{"remote.timeout", "Per-request timeout"},
		{"remote.rate_limit", "Requests per second, 0 disables limiting"},
	}},
	{Name: "sync", Keys: []configKey{
		{"sync.conflict_retries", "Full re-runs of a cycle after a write conflict"},
		{"sync.interval", "Background sync interval for 'daybook serve', 0 disables"},
	}},
	{Name: "credential", Help: "Token sources, tried in order: environment, OS keyring, gh CLI.", Keys: []configKey{
		{"credential.env", "Environment variable holding the token"},
		{"credential.keyring", "Use the token stored by 'daybook sync login'"},
		{"credential.gh_cli", "Fall back to 'gh auth token'"},
	}},
	{Name: "serve", Keys: []configKey{
		{"serve.port", "Local REST API port (127.0.0.1 only)"},
	}},
}

// envVarFor mirrors the env key replacer set up in initConfig.
func envVarFor(key string) string {
	return "DAYBOOK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configValue returns the effective value in the form written to YAML.
func configValue(key string) any {
	v := viper.Get(key)
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	if strings.HasSuffix(key, ".timeout") || strings.HasSuffix(key, ".interval") {
		return viper.GetDuration(key).String()
	}
	return v
}

// configDocument renders the effective settings as a commented YAML document.
func configDocument() (*yaml.Node, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, sec := range configSections {
		target := root
		if sec.Name != "" {
			target = &yaml.Node{Kind: yaml.MappingNode}
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: sec.Name, HeadComment: sec.Help}, target)
		}
		for i, k := range sec.Keys {
			var val yaml.Node
			if err := val.Encode(configValue(k.Key)); err != nil {
				return nil, fmt.Errorf("encode %s: %w", k.Key, err)
			}
			help := k.Help
			if sec.Name == "" && i == 0 && sec.Help != "" {
				help = sec.Help + "\n" + help
			}
			leaf := k.Key[strings.LastIndex(k.Key, ".")+1:]
			target.Content = append(target.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: leaf, HeadComment: help}, &val)
		}
	}
	return &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: "daybook configuration\nSee 'daybook config show' for effective values and their sources.",
		Content:     []*yaml.Node{root},
	}, nil
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	doc, err := configDocument()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	ui.Success("Config file created: %s", cfgPath)
	return nil
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	file, err := readConfigFile(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ui.Info("Config file: (none)")
	case err != nil:
		ui.Warning("Config file %s is unreadable: %v", cfgPath, err)
	default:
		ui.Info("Config file: %s", cfgPath)
	}

	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, sec := range configSections {
		for _, k := range sec.Keys {
			_ = table.Append([]string{k.Key, fmt.Sprint(configValue(k.Key)), detectSource(k.Key, file)})
		}
	}
	_ = table.Render()
	return nil
}

// readConfigFile parses the raw YAML so sources can be told apart from defaults.
func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// fileHasKey walks a dotted key through nested YAML mappings.
func fileHasKey(m map[string]any, key string) bool {
	head, rest, nested := strings.Cut(key, ".")
	v, ok := m[head]
	if !ok || !nested {
		return ok
	}
	child, ok := v.(map[string]any)
	return ok && fileHasKey(child, rest)
}

// detectSource reports where the effective value of key comes from.
func detectSource(key string, file map[string]any) string {
	if env := envVarFor(key); os.Getenv(env) != "" {
		return fmt.Sprintf("(env: %s)", env)
	}
	if fileHasKey(file, key) {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'daybook config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
