package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"gossipmesh/config"
	"gossipmesh/datamodel/peer"
	"gossipmesh/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config, out io.Writer) {
	if cfg.DataStore.PeerBookPath == "" {
		log.Fatal("No peer book configured")
	}

	book, err := leveldb.NewPeerBook(cfg.DataStore.PeerBookPath)
	if err != nil {
		log.Fatalf("Failed to open peer book: %v", err)
	}
	defer book.Close()

	if err := PrintPeerBook(out, book, time.Now()); err != nil {
		log.Errorf("Failed to enumerate peer book: %v", err)
	}
}

// PrintPeerBook writes one line per known address, most recently seen first.
func PrintPeerBook(out io.Writer, book peer.Book, now time.Time) error {
	records, err := book.Enumerate()
	if err != nil {
		return err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})

	fmt.Fprintf(out, "Peer book: %d addresses known\n", len(records))
	for _, r := range records {
		fmt.Fprintf(out, "%s\tseen %d times\tfirst %s\tlast %s ago\n",
			r.Address, r.Announces, r.FirstSeen.Format(time.RFC3339), now.Sub(r.LastSeen).Round(time.Second))
	}
	return nil
}
