// Package peers implements the dtnbeacon peers CLI, listing the peers known
// to a running node.
package peers

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"dtnbeacon/internal/rpc"
	"dtnbeacon/internal/store"
	"dtnbeacon/pkg/config"
)

// Run queries the node over RPC and prints its peer table. Pass --all to
// include inactive peers.
func Run(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	all := false
	for _, a := range args {
		switch a {
		case "--all", "-a":
			all = true
		default:
			return fmt.Errorf("unknown argument %q", a)
		}
	}

	client, err := rpc.NewClient(cfg.Peers.RPCSocket)
	if err != nil {
		return fmt.Errorf("connecting to node: %w\nIs 'dtnbeacon node' running?", err)
	}
	defer client.Close()

	peers, err := client.ListPeers(!all)
	if err != nil {
		return fmt.Errorf("fetching peers: %w", err)
	}

	if len(peers) == 0 {
		fmt.Println("No peers discovered yet.")
		return nil
	}

	fmt.Printf("\n  Peers (%d found)\n\n", len(peers))
	renderPeers(os.Stdout, peers, time.Now())
	return nil
}

func renderPeers(w io.Writer, peers []store.PeerRecord, now time.Time) {
	rows := make([][]string, 0, len(peers))
	for i, p := range peers {
		status := "active"
		if !p.Active {
			status = "stale"
		}
		period := "-"
		if p.Period > 0 {
			period = p.Period.String()
		}
		cla := "-"
		if len(p.CLAAddresses) > 0 {
			cla = strings.Join(p.CLAAddresses, ", ")
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			truncate(p.Key, 32),
			p.Source,
			cla,
			strconv.FormatUint(p.SequenceNumber, 10),
			period,
			now.Sub(p.LastSeen).Truncate(time.Second).String(),
			status,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "Peer", "Source", "CLA", "Seq", "Period", "Last Seen", "Status"})
	table.AppendBulk(rows)
	table.Render()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}
