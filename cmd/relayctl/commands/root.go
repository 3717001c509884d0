package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vjranagit/promrelay/internal/config"
	"github.com/vjranagit/promrelay/pkg/relay"
	"github.com/vjranagit/promrelay/pkg/transport"
	"github.com/vjranagit/promrelay/pkg/types"
)

var (
	configPath     string
	baseURL        string
	proxyID        string
	dataSourceName string
	outputFormat   string

	client     *relay.Client
	dataSource types.ProxyDataSource
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayctl",
		Short:        "Query a promrelay proxy",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if outputFormat != outputTable && outputFormat != outputJSON {
				return fmt.Errorf("unknown output format %q", outputFormat)
			}

			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}

			if baseURL == "" {
				baseURL = cfg.Client.BaseURL
			}
			if proxyID == "" {
				proxyID = cfg.Server.ProxyID
			}
			if dataSourceName == "" && len(cfg.DataSources) > 0 {
				dataSourceName = cfg.DataSources[0].Name
			}

			client = relay.NewClient(transport.NewHTTPTransport(transport.Config{
				BaseURL: baseURL,
				Timeout: cfg.Client.Timeout,
				Logger:  logger,
			}))
			dataSource = types.ProxyDataSource{
				ProxyID:        proxyID,
				DataSourceName: dataSourceName,
				DataSourceType: string(types.DataSourceKindPrometheus),
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "", "proxy base URL (default from config)")
	root.PersistentFlags().StringVar(&proxyID, "proxy", "", "proxy id (default from config)")
	root.PersistentFlags().StringVar(&dataSourceName, "data-source", "", "data source name (default first configured)")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "output format: table or json")

	root.AddCommand(instantCmd(), seriesCmd())
	return root
}
