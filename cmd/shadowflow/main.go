package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/config"
	"github.com/BuzzLyutic/shadowflow/internal/session"
)

// cli holds what every command needs once flags and environment are read.
type cli struct {
	cfg    config.ClientConfig
	logger *zap.Logger
	api    *apiclient.Client
}

func (c *cli) session() (*session.Session, error) {
	if c.cfg.Token == "" {
		return nil, fmt.Errorf("%w: set SHADOWFLOW_TOKEN or pass --token", session.ErrNoSession)
	}
	return session.FromBearer(c.cfg.Token)
}

func (c *cli) token(ctx context.Context) (string, error) {
	sess, err := c.session()
	if err != nil {
		return "", err
	}
	return sess.AccessToken(ctx)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	var (
		apiURL  string
		token   string
		logFile string
	)

	root := &cobra.Command{
		Use:           "shadowflow",
		Short:         "ShadowFlow - live task list client",
		Long:          `ShadowFlow keeps a local task list in sync with the task service and lets you change it from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(".")
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("api") {
				cfg.APIURL = apiURL
			}
			if flags.Changed("token") {
				cfg.Token = token
			}
			if flags.Changed("log-file") {
				cfg.LogFile = logFile
			}
			c.cfg = cfg
			// без --log-file в stderr попадают только ошибки
			c.logger = config.NewLogger(cfg.LogFile, true)
			c.api = apiclient.New(cfg.APIURL)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "task service address")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token (defaults to SHADOWFLOW_TOKEN)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file")

	root.AddCommand(
		newListCmd(c),
		newAddCmd(c),
		newDoneCmd(c, true),
		newDoneCmd(c, false),
		newRenameCmd(c),
		newRemoveCmd(c),
		newWatchCmd(c),
		newTUICmd(c),
		newDevTokenCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
