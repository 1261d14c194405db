// Package decode implements the dtnbeacon decode CLI, which parses a hex
// encoded beacon and prints its contents.
package decode

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"dtnbeacon/internal/beacon"
)

// Run decodes the hex beacon given in args, or read from stdin when args is
// empty or "-". An optional --src <ip> derives CLA addresses.
func Run(args []string) error {
	var (
		input string
		src   netip.Addr
	)
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--src" && i+1 < len(args):
			addr, err := netip.ParseAddr(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --src: %w", err)
			}
			src = addr
			i++
		case input == "":
			input = a
		default:
			return fmt.Errorf("unexpected argument %q", a)
		}
	}

	if input == "" || input == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		input = string(data)
	}

	b, err := parseHex(input)
	if err != nil {
		return err
	}
	printBeacon(os.Stdout, b, src)
	return nil
}

func parseHex(input string) (*beacon.Beacon, error) {
	input = strings.Join(strings.Fields(input), "")
	input = strings.TrimPrefix(input, "0x")

	data, err := hex.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	b, err := beacon.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing beacon: %w", err)
	}
	return b, nil
}

func printBeacon(w io.Writer, b *beacon.Beacon, src netip.Addr) {
	nodeID := "(anonymous)"
	if b.NodeID != nil {
		nodeID = *b.NodeID
	}
	period := "(unspecified)"
	if b.Period != nil {
		period = b.Period.String()
	}

	fmt.Fprintf(w, "Version:   %d\n", b.Version)
	fmt.Fprintf(w, "Node ID:   %s\n", nodeID)
	fmt.Fprintf(w, "Sequence:  %d\n", b.SequenceNumber)
	fmt.Fprintf(w, "Period:    %s\n", period)
	fmt.Fprintf(w, "Services:  %d\n", len(b.Services))

	if len(b.Services) == 0 {
		return
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(b.Services))
	for _, s := range b.Services {
		cla := ""
		if s.IsCLA() && src.IsValid() {
			if addr, err := s.CLAAddress(src); err == nil {
				cla = addr
			}
		}
		rows = append(rows, []string{fmt.Sprint(uint8(s.Tag())), s.Tag().String(), fmt.Sprint(s), cla})
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
	table.SetHeader([]string{"Tag", "Type", "Service", "CLA Address"})
	table.AppendBulk(rows)
	table.Render()
}
