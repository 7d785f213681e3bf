package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/confmesh/confmesh/internal/coordinator"
	"github.com/confmesh/confmesh/internal/room"
	"github.com/confmesh/confmesh/internal/signaling"
	"github.com/confmesh/confmesh/internal/ui"
)

var (
	joinName  string
	joinWatch bool
	joinDebug bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and follow its activity",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinName, "name", "", "display name (defaults to the room profile)")
	joinCmd.Flags().BoolVar(&joinWatch, "watch", false, "fall back to watching when the room is full")
	joinCmd.Flags().BoolVar(&joinDebug, "debug", false, "verbose session logging")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID := args[0]

	level := slog.LevelWarn
	if joinDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	co, err := coordinator.New(coordinator.Options{
		ServerURL:   serverURL,
		RoomID:      roomID,
		Name:        joinName,
		WatchOnFull: joinWatch,
		Logger:      logger,
		OnEvent:     printEvent,
	})
	if err != nil {
		return err
	}
	defer co.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.PrintInfof("joining %s %s ...", ui.IconRoom, roomID)
	if err := co.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrRoomFull):
			return fmt.Errorf("room %s is full (retry with --watch to spectate)", roomID)
		case errors.Is(err, coordinator.ErrInvalidRoom):
			return fmt.Errorf("room %s does not exist", roomID)
		}
		return err
	}

	snap := co.Snapshot()
	if snap.ReceiveOnly {
		ui.PrintWarning("room is full, watching only")
	} else {
		ui.PrintSuccessf("joined as %s (slot %d)", snap.Self.Name, snap.Self.UserIndex)
	}
	ui.RenderParticipantsTable(participantRows(snap))
	fmt.Println(ui.MutedStyle.Render("press ctrl-c to leave"))

	if err := co.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Printf("%s left %s\n", ui.IconLeave, roomID)
	return nil
}

// participantRows merges the session's own entry into the remote list and
// orders everything by slot. Watcher sessions hold no slot and render only
// the admitted participants.
func participantRows(snap coordinator.Snapshot) []room.User {
	users := append([]room.User(nil), snap.Users...)
	if !snap.ReceiveOnly {
		users = append(users, snap.Self)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserIndex < users[j].UserIndex })
	return users
}

// printEvent turns room events into one-line updates.
func printEvent(ev coordinator.Event) {
	switch ev.Event {
	case signaling.EventUserJoined:
		var u room.User
		if json.Unmarshal(ev.Data, &u) == nil {
			ui.PrintInfof("%s %s joined (slot %d)", ui.IconPeer, u.Name, u.UserIndex)
		}
	case signaling.EventUserLeft:
		var left signaling.UserLeftData
		if json.Unmarshal(ev.Data, &left) == nil {
			ui.PrintInfof("%s participant in slot %d left", ui.IconLeave, left.UserIndex)
		}
	case signaling.EventUserUpdated:
		var u room.User
		if json.Unmarshal(ev.Data, &u) == nil {
			ui.PrintInfof("%s slot %d is now %q", ui.IconPeer, u.UserIndex, u.Name)
		}
	case signaling.EventNewProducer:
		var p room.Producer
		if json.Unmarshal(ev.Data, &p) == nil {
			icon := ui.IconCamera
			if p.Kind == room.KindAudio {
				icon = ui.IconMic
			}
			ui.PrintInfof("%s %s started %s", icon, p.PeerName, p.Kind)
		}
	case signaling.EventNewPresentation:
		var p room.Producer
		if json.Unmarshal(ev.Data, &p) == nil {
			ix := 0
			if p.PresentationIndex != nil {
				ix = *p.PresentationIndex
			}
			ui.PrintInfof("%s %s is presenting (screen %d)", ui.IconScreen, p.PeerName, ix)
		}
	case signaling.EventPresentationEnded:
		var ended signaling.PresentationEndedData
		if json.Unmarshal(ev.Data, &ended) == nil {
			ui.PrintInfof("%s presentation on screen %d ended", ui.IconScreen, ended.PresentationIndex)
		}
	case signaling.EventUserVideoToggled:
		var t signaling.ToggleData
		if json.Unmarshal(ev.Data, &t) == nil {
			ui.PrintInfof("%s video %s", ui.IconCamera, onOff(t.Enabled))
		}
	case signaling.EventUserAudioToggled:
		var t signaling.ToggleData
		if json.Unmarshal(ev.Data, &t) == nil {
			ui.PrintInfof("%s audio %s", ui.IconMic, onOff(t.Enabled))
		}
	case signaling.EventMediaServerError:
		ui.PrintWarning("media server reported an error")
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
