package cmd

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/awt-go/pkg/logging"
	awtsync "github.com/theapemachine/awt-go/pkg/sync"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket sync relay",
	Long: `Runs the broadcast relay that stands in for the browser broadcast
channel: every frame a connected core posts is fanned out to all other
connected cores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Setup()

		addr := viper.GetString("relay.addr")
		hub := awtsync.NewRelayHub()

		mux := http.NewServeMux()
		mux.Handle("/sync", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		log.Info("sync relay listening", "addr", addr)
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}
