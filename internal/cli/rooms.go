package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/confmesh/confmesh/internal/coordinator"
	"github.com/confmesh/confmesh/internal/ui"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List every room with its occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := coordinator.NewControlClient(serverURL, 10*time.Second)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		rooms, err := api.AllRoomsState(ctx)
		if err != nil {
			return err
		}
		ui.RenderRoomsTable(rooms)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}
