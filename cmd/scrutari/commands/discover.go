package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrutari/scrutari/internal/sitemap"
	"github.com/scrutari/scrutari/pkg/scrutari"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <site-url>",
	Short: "List a site's page URLs through its sitemaps",
	Long: `Discover walks the site's sitemap tree (robots.txt directives,
well-known locations, nested indexes) and prints the page URLs found,
one per line.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	flags := discoverCmd.Flags()
	flags.String("page-list", "", "JSON file to reuse and persist the discovered page list")
	flags.Duration("page-list-ttl", time.Hour, "age after which a saved page list is re-discovered")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := cmd.Flags()
	listPath, _ := flags.GetString("page-list")
	listTTL, _ := flags.GetDuration("page-list-ttl")

	if listPath != "" {
		if pages, ok := sitemap.LoadPageList(listPath, listTTL); ok {
			logInfo("Using saved page list (%d pages)", len(pages))
			printPages(pages)
			return nil
		}
	}

	client, err := scrutari.New(scrutari.WithoutDeck())
	if err != nil {
		logError("%v", err)
		return err
	}

	pages, err := client.Discover(ctx, args[0])
	if err != nil {
		logError("discovery failed: %v", err)
		return err
	}
	logInfo("Found %d pages", len(pages))

	if listPath != "" {
		if err := sitemap.SavePageList(listPath, pages); err != nil {
			logError("could not save page list: %v", err)
		}
	}
	printPages(pages)
	return nil
}

func printPages(pages []string) {
	for _, page := range pages {
		fmt.Println(page)
	}
}
