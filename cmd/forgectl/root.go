package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/chudopalovba/diplom/pkg/api/client"
)

const (
	keyConfig  = "config"
	keyAPIURL  = "api_url"
	keyToken   = "token"
	keyOutput  = "output"
	keyTimeout = "timeout"
)

// app carries the per-invocation configuration shared by subcommands.
type app struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "Manage generated projects and their pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringP(keyConfig, "c", "", "config file (default is $HOME/.config/forge/config.yaml)")
	flags.String(keyAPIURL, "http://localhost:8080", "API base URL")
	flags.String(keyToken, "", "bearer token issued by the auth gateway")
	flags.StringP(keyOutput, "o", "table", "output format: table or json")
	flags.Duration(keyTimeout, 15*time.Second, "request timeout")
	for _, key := range []string{keyConfig, keyAPIURL, keyToken, keyOutput, keyTimeout} {
		_ = a.v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(newProjectCommand(a), newPipelineCommand(a), &cobra.Command{
		Use:   "version",
		Short: "Print the forgectl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "forgectl %s\n", buildVersion)
		},
	})
	return root
}

func (a *app) initConfig() error {
	if cfgFile := a.v.GetString(keyConfig); cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else {
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(filepath.Join("$HOME", ".config", "forge"))
		a.v.AddConfigPath(".")
	}
	a.v.SetEnvPrefix("FORGE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	switch a.v.GetString(keyOutput) {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", a.v.GetString(keyOutput))
	}
}

func (a *app) client() (*apiclient.Client, error) {
	return apiclient.New(a.v.GetString(keyAPIURL))
}

func (a *app) token() (string, error) {
	token := strings.TrimSpace(a.v.GetString(keyToken))
	if token == "" {
		return "", errors.New("no token configured; pass --token or set FORGE_TOKEN")
	}
	return token, nil
}

func (a *app) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := a.v.GetDuration(keyTimeout)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// render prints v as JSON when requested, otherwise calls table.
func (a *app) render(w io.Writer, v any, table func(io.Writer)) error {
	if a.v.GetString(keyOutput) == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(w)
	return nil
}
