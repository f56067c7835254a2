package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally — prepaid credit ledger for metered AI usage",
	Long:  "Tally is a prepaid credit ledger and metering service for AI products: accounts hold credits, metered calls reserve an estimated hold up front and settle against actual token usage, and a fixed-window rate limiter caps request rates per account.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/tally.yaml)")
}

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
