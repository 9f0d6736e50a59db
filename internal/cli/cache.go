package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/esctl/internal/cache"
	"github.com/rshade/esctl/internal/config"
)

// ErrNoSuchRule is returned by cache unset when no rule has the pattern.
var ErrNoSuchRule = errors.New("no TTL rule with that pattern")

//nolint:gochecknoglobals // fixed lookup table
var httpMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true, http.MethodTrace: true, http.MethodConnect: true,
}

// NewCachePurgeCmd creates the cache purge command.
func NewCachePurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge the local cache for the current context",
		Long: `Deletes every cached response stored for the selected context. Other
contexts are untouched. On a terminal you are asked to confirm unless --yes
is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			esCtx, err := resolveContext(cmd)
			if err != nil {
				return err
			}

			if !yes && isTerminal(os.Stdin) {
				res := Confirm(cmd.OutOrStdout(), cmd.InOrStdin(),
					fmt.Sprintf("Purge all cached responses for context %s?", esCtx.Name))
				if !res.Accepted {
					printStatus(cmd, warningStyle, "Purge cancelled")
					return nil
				}
			}

			cfg := config.GetGlobalConfig()
			if err = cache.Purge(cmd.Context(), cfg.CacheDBPath(), esCtx.Name); err != nil {
				return fmt.Errorf("purging cache: %w", err)
			}
			printStatus(cmd, successStyle, "Cache purged for context %s", esCtx.Name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// NewCacheTTLCmd creates the cache ttl command.
func NewCacheTTLCmd() *cobra.Command {
	var matchAll bool

	cmd := &cobra.Command{
		Use:   "ttl METHOD TARGET SECONDS",
		Short: "Set the cache TTL for an API call",
		Long: `Writes a rule to the TTL policy file mapping "METHOD TARGET" to a number
of seconds. Rules are regular expressions tried in file order; the first match
wins and unmatched requests use the default of 300 seconds. A TTL of 0 stops
the call from being cached.

TARGET is used as a regular expression fragment as given.`,
		Example: `  # Cache cluster health for 30 seconds
  esctl cache ttl GET /_cluster/health 30

  # Cache _cat/indices for ten minutes, whatever the query string
  esctl cache ttl GET /_cat/indices 600 --match-all`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			if !httpMethods[method] {
				return fmt.Errorf("unknown HTTP method %q", args[0])
			}
			seconds, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid TTL %q: must be a whole number of seconds", args[2])
			}

			policy := cache.NewPolicy(config.GetGlobalConfig().TTLFilePath())
			result, err := policy.SetTTL(method, args[1], seconds, matchAll)
			if err != nil {
				return err
			}

			if result.Previous != nil {
				printStatus(cmd, warningStyle, "Overriding existing TTL of %d seconds for pattern '%s'",
					*result.Previous, result.Pattern)
			}
			printStatus(cmd, successStyle, "Set TTL for pattern '%s' to %d seconds", result.Pattern, result.TTL)
			return nil
		},
	}

	cmd.Flags().BoolVar(&matchAll, "match-all", false, "also match any query string and fragment")
	return cmd
}

// ruleView is one row of cache rules output.
type ruleView struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	TTL     int    `json:"ttl" yaml:"ttl"`
}

// NewCacheRulesCmd creates the cache rules command.
func NewCacheRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List TTL rules in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy := cache.NewPolicy(config.GetGlobalConfig().TTLFilePath())
			rules, err := policy.Load()
			if err != nil {
				return err
			}
			views := make([]ruleView, 0, len(rules))
			for _, r := range rules {
				views = append(views, ruleView{Pattern: r.Pattern, TTL: r.TTL})
			}
			return writeValue(cmd, views)
		},
	}
}

// NewCacheUnsetCmd creates the cache unset command.
func NewCacheUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset PATTERN",
		Short: "Remove a TTL rule",
		Long:  "Removes the rule whose pattern is exactly PATTERN, as shown by 'esctl cache rules'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := cache.NewPolicy(config.GetGlobalConfig().TTLFilePath())
			removed, err := policy.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: '%s'", ErrNoSuchRule, args[0])
			}
			printStatus(cmd, successStyle, "Removed TTL rule for pattern '%s'", args[0])
			return nil
		},
	}
}

// cacheStats is the cache stats output.
type cacheStats struct {
	Context string `json:"context" yaml:"context"`
	Path    string `json:"path" yaml:"path"`
	Table   string `json:"table" yaml:"table"`
	Entries int    `json:"entries" yaml:"entries"`
	Stale   int    `json:"stale" yaml:"stale"`
	Rules   int    `json:"rules" yaml:"rules"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// NewCacheStatsCmd creates the cache stats command.
func NewCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage for the current context",
		Long: `Shows how many responses are cached for the selected context and how many
of those have expired but not yet been evicted. Prints a summary, or structured
output when --output is given explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.GetGlobalConfig()
			esCtx, err := resolveContext(cmd)
			if err != nil {
				return err
			}

			store, err := cache.OpenStore(cfg.CacheDBPath(), esCtx.Name)
			if err != nil {
				return err
			}
			defer store.Close()

			stats := cacheStats{
				Context: esCtx.Name,
				Path:    store.Path(),
				Table:   cache.TableName(esCtx.Name),
				Enabled: cfg.CacheEnabled(),
			}
			if stats.Entries, err = store.Count(ctx); err != nil {
				return err
			}
			if stats.Stale, err = store.CountStale(ctx, time.Now().Unix()); err != nil {
				return err
			}
			rules, err := cache.NewPolicy(cfg.TTLFilePath()).Load()
			if err != nil {
				printStatus(cmd, warningStyle, "Warning: %v", err)
			}
			stats.Rules = len(rules)

			if cmd.Flags().Changed("output") {
				return writeValue(cmd, stats)
			}

			p := message.NewPrinter(language.English)
			w := cmd.OutOrStdout()
			p.Fprintf(w, "Context:  %s\n", stats.Context)
			p.Fprintf(w, "Database: %s (table %s)\n", stats.Path, stats.Table)
			p.Fprintf(w, "Entries:  %d (%d expired)\n", stats.Entries, stats.Stale)
			p.Fprintf(w, "Rules:    %d\n", stats.Rules)
			p.Fprintf(w, "Enabled:  %t\n", stats.Enabled)
			return nil
		},
	}
}
