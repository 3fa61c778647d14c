package main

import (
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bdna/kinesis-consumer-group/config"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	logger *log.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "kinesis-coordinator",
		Short: "Consume a sharded stream as a group of cooperating instances",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.LogLevel, opts.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "coordinator.ini", "path to the INI configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))

	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

func newLogger(level, format string, w io.Writer) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	var h log.Handler
	switch format {
	case "text":
		h = text.New(w)
	case "json":
		h = json.New(w)
	default:
		return nil, errors.Errorf("invalid log format %q: must be text or json", format)
	}
	return &log.Logger{Handler: h, Level: lvl}, nil
}
