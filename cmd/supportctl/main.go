// supportctl is the operator CLI for the supportdesk staff console API.
//
//	supportctl conversations list --state pending_human
//	supportctl conversations claim conv_01HX...
//	supportctl approvals approve apv_01HX...
//
// Settings come from flags or SUPPORTCTL_* environment variables
// (SUPPORTCTL_SERVER, SUPPORTCTL_API_KEY, SUPPORTCTL_JSON).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "supportctl",
	Short:         "Operate the supportdesk staff console",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUPPORTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "supportdesk base URL")
	rootCmd.PersistentFlags().String("api-key", "", "staff API key")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(conversationsCmd())
	rootCmd.AddCommand(returnsCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(traceCmd())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
