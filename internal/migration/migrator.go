// Package migration imports the config.json written by earlier esctl
// releases into config.yaml.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rshade/esctl/internal/config"
)

// LegacyFileName is the config file used by earlier releases.
const LegacyFileName = "config.json"

// legacyTypeGCE contexts tunnelled through gcloud, which is no longer supported.
const legacyTypeGCE = "gce"

// ErrAlreadyMigrated is returned when config.yaml already exists.
var ErrAlreadyMigrated = errors.New("config.yaml already exists")

type legacyConfig struct {
	CurrentContext string                    `json:"current_context"`
	Contexts       map[string]*legacyContext `json:"contexts"`
}

type legacyContext struct {
	Type          string  `json:"type"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	Username      *string `json:"username"`
	Password      *string `json:"password"`
	KubeContext   *string `json:"kube_context"`
	KubeNamespace *string `json:"kube_namespace"`
	ESName        *string `json:"es_name"`
}

// Result summarises an import.
type Result struct {
	Source   string
	Target   string
	Imported []string
	// Skipped maps context name to the reason it was not imported.
	Skipped map[string]string
}

// DetectLegacy checks if home holds a legacy config.json and no config.yaml.
func DetectLegacy(home string) (string, bool) {
	if _, err := os.Stat(filepath.Join(home, config.ConfigFileName)); err == nil {
		return "", false
	}
	legacyPath := filepath.Join(home, LegacyFileName)
	info, err := os.Stat(legacyPath)
	if err != nil {
		return "", false
	}
	return legacyPath, !info.IsDir()
}

// Import converts the legacy file in home into config.yaml. The legacy file
// is left in place.
func Import(home string) (Result, error) {
	target := filepath.Join(home, config.ConfigFileName)
	if _, err := os.Stat(target); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyMigrated, target)
	}

	source := filepath.Join(home, LegacyFileName)
	data, err := os.ReadFile(source)
	if err != nil {
		return Result{}, fmt.Errorf("reading legacy config: %w", err)
	}
	var legacy legacyConfig
	if err = json.Unmarshal(data, &legacy); err != nil {
		return Result{}, fmt.Errorf("parsing legacy config %s: %w", source, err)
	}

	cfg, err := config.Load(target)
	if err != nil {
		return Result{}, err
	}

	result := Result{Source: source, Target: target, Skipped: map[string]string{}}
	names := make([]string, 0, len(legacy.Contexts))
	for name := range legacy.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, reason := convert(legacy.Contexts[name])
		if ctx == nil {
			result.Skipped[name] = reason
			continue
		}
		if addErr := cfg.AddContext(name, ctx); addErr != nil {
			result.Skipped[name] = addErr.Error()
			continue
		}
		result.Imported = append(result.Imported, name)
	}

	cfg.CurrentContext = ""
	if _, ok := cfg.Contexts[legacy.CurrentContext]; ok {
		cfg.CurrentContext = legacy.CurrentContext
	} else if len(result.Imported) > 0 {
		cfg.CurrentContext = result.Imported[0]
	}

	if err = cfg.Save(); err != nil {
		return Result{}, fmt.Errorf("saving imported config: %w", err)
	}
	return result, nil
}

func convert(lc *legacyContext) (*config.Context, string) {
	if lc == nil {
		return nil, "empty context"
	}
	switch lc.Type {
	case config.ContextTypeHTTP, "":
		return &config.Context{
			Type:     config.ContextTypeHTTP,
			Host:     lc.Host,
			Port:     lc.Port,
			Username: deref(lc.Username),
			Password: deref(lc.Password),
		}, ""
	case config.ContextTypeKubernetes:
		return &config.Context{
			Type:          config.ContextTypeKubernetes,
			KubeContext:   deref(lc.KubeContext),
			KubeNamespace: deref(lc.KubeNamespace),
			ESName:        deref(lc.ESName),
		}, ""
	case legacyTypeGCE:
		return nil, "gce contexts are not supported, re-add it with --type ssh"
	default:
		return nil, fmt.Sprintf("unknown context type %q", lc.Type)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// RunMigration handles the interactive import of a legacy configuration.
func RunMigration(out io.Writer, in io.Reader, home string) error {
	legacyPath, exists := DetectLegacy(home)
	if !exists {
		return nil
	}

	fmt.Fprintf(out, "Detected configuration from an earlier esctl release at %s.\n", legacyPath)
	fmt.Fprintf(out, "Would you like to import it into %s? [y/N] ",
		filepath.Join(home, config.ConfigFileName))

	var response string
	if _, scanErr := fmt.Fscanln(in, &response); scanErr != nil {
		// If we can't read input, treat as "no"
		response = ""
	}
	response = strings.ToLower(strings.TrimSpace(response))

	if response != "y" && response != "yes" {
		fmt.Fprintln(out, "Import skipped. Run 'esctl config import-legacy' to import later.")
		return nil
	}

	result, err := Import(home)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	PrintResult(out, result)
	return nil
}

// PrintResult writes a human summary of an import.
func PrintResult(out io.Writer, result Result) {
	fmt.Fprintf(out, "Imported %d context(s) into %s: %s\n",
		len(result.Imported), result.Target, strings.Join(result.Imported, ", "))
	skipped := make([]string, 0, len(result.Skipped))
	for name := range result.Skipped {
		skipped = append(skipped, name)
	}
	sort.Strings(skipped)
	for _, name := range skipped {
		fmt.Fprintf(out, "Skipped %s: %s\n", name, result.Skipped[name])
	}
	fmt.Fprintf(out, "Your old config has been preserved at %s.\n", result.Source)
}
