package cli

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/esctl/internal/config"
)

// contextFlags holds the add-context flag values.
type contextFlags struct {
	contextType   string
	scheme        string
	host          string
	port          int
	username      string
	password      string
	kubeContext   string
	kubeNamespace string
	esName        string
	sshHost       string
	sshUser       string
	localPort     int
	timeout       time.Duration
	use           bool
}

func (f *contextFlags) toContext() *config.Context {
	return &config.Context{
		Type:          f.contextType,
		Scheme:        f.scheme,
		Host:          f.host,
		Port:          f.port,
		Username:      f.username,
		Password:      f.password,
		KubeContext:   f.kubeContext,
		KubeNamespace: f.kubeNamespace,
		ESName:        f.esName,
		SSHHost:       f.sshHost,
		SSHUser:       f.sshUser,
		LocalPort:     f.localPort,
		Timeout:       f.timeout,
	}
}

// NewConfigAddContextCmd creates the config add-context command.
func NewConfigAddContextCmd() *cobra.Command {
	var flags contextFlags

	cmd := &cobra.Command{
		Use:   "add-context NAME",
		Short: "Add a named connection context",
		Long: `Adds a connection context to the configuration file. The first context
added becomes the current context.

Context types:
  http        direct connection to --host:--port
  kubernetes  kubectl port-forward to the ECK service <es-name>-es-http
  ssh         ssh -L tunnel through --ssh-host`,
		Example: `  # Direct HTTP
  esctl config add-context local --host localhost --port 9200

  # ECK cluster through kubectl port-forward
  esctl config add-context prod --type kubernetes --kube-context prod-eu \
    --namespace search --es-name logs --scheme https --username elastic --password ...

  # VM through an ssh tunnel
  esctl config add-context vm --type ssh --ssh-host es-vm-1 --ssh-user ops`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GetGlobalConfig()
			name := args[0]
			if err := cfg.AddContext(name, flags.toContext()); err != nil {
				return err
			}
			if flags.use {
				if err := cfg.UseContext(name); err != nil {
					return err
				}
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			printStatus(cmd, successStyle, "Added context %s", name)
			if cfg.CurrentContext == name {
				printStatus(cmd, mutedStyle, "Current context is now %s", name)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.contextType, "type", config.ContextTypeHTTP, "context type: http, kubernetes or ssh")
	f.StringVar(&flags.scheme, "scheme", "", "URL scheme: http or https (default http)")
	f.StringVar(&flags.host, "host", "", "cluster host (http contexts)")
	f.IntVar(&flags.port, "port", 0, "cluster port, or remote port for tunnels (default 9200)")
	f.StringVar(&flags.username, "username", "", "basic auth username")
	f.StringVar(&flags.password, "password", "", "basic auth password")
	f.StringVar(&flags.kubeContext, "kube-context", "", "kubeconfig context (kubernetes contexts)")
	f.StringVar(&flags.kubeNamespace, "namespace", "", "namespace of the Elasticsearch resource (kubernetes contexts)")
	f.StringVar(&flags.esName, "es-name", "", "name of the Elasticsearch resource (kubernetes contexts)")
	f.StringVar(&flags.sshHost, "ssh-host", "", "host to tunnel through (ssh contexts)")
	f.StringVar(&flags.sshUser, "ssh-user", "", "ssh user (ssh contexts)")
	f.IntVar(&flags.localPort, "local-port", 0, "local tunnel port (default: any free port)")
	f.DurationVar(&flags.timeout, "timeout", 0, "per-request timeout (default 30s)")
	f.BoolVar(&flags.use, "use", false, "make this the current context")

	return cmd
}

// NewConfigUseContextCmd creates the config use-context command.
func NewConfigUseContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-context NAME",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GetGlobalConfig()
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}
			printStatus(cmd, successStyle, "Switched to context %s", args[0])
			return nil
		},
	}
}

// NewConfigRemoveContextCmd creates the config remove-context command.
func NewConfigRemoveContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-context NAME",
		Short: "Remove a context",
		Long: `Removes a context from the configuration file. Cached responses for the
context stay in the cache database until purged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GetGlobalConfig()
			if err := cfg.RemoveContext(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}
			printStatus(cmd, successStyle, "Removed context %s", args[0])
			return nil
		},
	}
}

// contextView is one row of get-contexts output.
type contextView struct {
	Name     string `json:"name" yaml:"name"`
	Current  bool   `json:"current" yaml:"current"`
	Type     string `json:"type" yaml:"type"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// NewConfigGetContextsCmd creates the config get-contexts command.
func NewConfigGetContextsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-contexts",
		Short: "List configured contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.GetGlobalConfig()
			views := make([]contextView, 0, len(cfg.Contexts))
			for _, name := range cfg.ContextNames() {
				c := cfg.Contexts[name]
				views = append(views, contextView{
					Name:     name,
					Current:  name == cfg.CurrentContext,
					Type:     c.Type,
					Endpoint: describeEndpoint(c),
					Username: c.Username,
					Password: c.CensoredPassword(),
				})
			}
			return writeValue(cmd, views)
		},
	}
}

// describeEndpoint summarises where a context connects to.
func describeEndpoint(c *config.Context) string {
	switch c.Type {
	case config.ContextTypeKubernetes:
		kube := c.KubeContext
		if kube == "" {
			kube = "(current)"
		}
		return fmt.Sprintf("kubernetes:%s/%s/%s-es-http:%d", kube, c.KubeNamespace, c.ESName, c.Port)
	case config.ContextTypeSSH:
		host := c.SSHHost
		if c.SSHUser != "" {
			host = c.SSHUser + "@" + host
		}
		return fmt.Sprintf("ssh:%s:%d", host, c.Port)
	default:
		return c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
}
