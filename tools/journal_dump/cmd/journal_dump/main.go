package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	journaldump "topicmaster/broker/tools/journal_dump"
)

func main() {
	path := flag.String("path", "", "Path to a journal directory or manifest.json")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	manifest, packets, snapshots, err := journaldump.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		Manifest  interface{}            `json:"manifest"`
		Packets   []journaldump.Packet   `json:"packets"`
		Snapshots []journaldump.Snapshot `json:"snapshots"`
	}{
		Manifest:  manifest,
		Packets:   packets,
		Snapshots: snapshots,
	}

	//1.- Render the bundle as JSON so it can be piped into jq.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
