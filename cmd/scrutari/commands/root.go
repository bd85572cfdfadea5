// Package commands implements the CLI commands for scrutari.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scrutari/scrutari/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scrutari",
	Short: "Due-diligence research pipeline over documents, websites and decks",
	Long: `Scrutari ingests documents, web pages and access-gated decks,
extracts entities, and produces grounded research reports with an LLM.

Examples:
  # Classic research over a document and a page
  scrutari research "Evaluate Acme Corp" --doc whitepaper.pdf \
      --url "https://acme.example/about"

  # Deep multi-step research with web search
  scrutari research "Analyze Foo tokenomics" --mode deep --breadth 4

  # Discover a site's pages through its sitemaps
  scrutari discover "https://acme.example"`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.scrutari.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func initConfig() {
	// Local .env files are a convenience for API keys.
	_ = godotenv.Load()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".scrutari")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SCRUTARI")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
	})
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func logInfo(format string, args ...any) {
	if !viper.GetBool("quiet") {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
