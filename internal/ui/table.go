package ui

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/confmesh/confmesh/internal/room"
)

// RenderRoomsTable prints the occupancy overview for every room.
func RenderRoomsTable(rooms map[string]room.FullState) {
	ids := make([]string, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Users", "Screen Shares", "Producers", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignCenter},
		{Number: 3, Align: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter},
	})

	for _, id := range ids {
		st := rooms[id]
		status := "open"
		if st.IsFull {
			status = "full"
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%s %s", IconRoom, id),
			fmt.Sprintf("%d/%d", st.UserCount, st.MaxUsers),
			fmt.Sprintf("%d/%d", st.ScreenShareCount, st.MaxScreenShares),
			len(st.Producers),
			status,
		})
	}
	t.Render()
}

// RenderParticipantsTable prints the membership of one room.
func RenderParticipantsTable(users []room.User) {
	if len(users) == 0 {
		fmt.Println(MutedStyle.Render("No participants"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Video", "Audio"})

	for _, u := range users {
		t.AppendRow(table.Row{
			u.UserIndex,
			fmt.Sprintf("%s %s", IconPeer, u.Name),
			onOff(u.VideoEnabled),
			onOff(u.AudioEnabled),
		})
	}
	t.Render()
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
