package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gleandb/glean/snapshot"
)

var (
	snapshotsCmd = &cobra.Command{
		Use:   "snapshots",
		Short: "List the snapshots recorded in the manifest",
		RunE:  snapshotsRun,
	}
)

func init() {
	gleanCmd.AddCommand(snapshotsCmd)
}

func snapshotsRun(cmd *cobra.Command, args []string) error {
	opts := engineOptions()
	manifest, err := snapshot.OpenManifest(&opts.Snapshot)
	if err != nil {
		return err
	}
	defer manifest.Close()

	snaps, err := manifest.List()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Base Epoch", "Valid Until", "Storages", "Files"})
	for _, snap := range snaps {
		files := 0
		for _, entry := range snap.Storages {
			files += len(entry.Files)
		}
		table.Append([]string{
			strconv.Itoa(int(snap.ID)),
			strconv.FormatUint(uint64(snap.BaseEpoch), 10),
			strconv.FormatUint(uint64(snap.ValidUntil), 10),
			strconv.Itoa(len(snap.Storages)),
			strconv.Itoa(files),
		})
	}
	table.Render()
	return nil
}
