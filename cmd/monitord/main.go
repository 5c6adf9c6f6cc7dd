// Command monitord runs one monitor node: it parses its identity and
// seed peers, constructs a Monitor, and serves until told to stop.
// The teacher pack has no cmd/ binary of its own for this domain (its
// tests boot monitors directly in-process); this entrypoint's
// flag-parse/construct/block-on-signal shape instead follows
// johnjansen-torua's cmd/node and cmd/coordinator convention.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"distmon/membership"
	"distmon/monitor"
	"distmon/monitor/transport"
	"distmon/store"
)

func main() {
	name := flag.String("name", "", "this monitor's name (required)")
	fsid := flag.String("fsid", "", "cluster fsid (required)")
	addr := flag.String("addr", ":6789", "address to listen on and advertise")
	seedFlag := flag.String("seed", "", "comma-separated name=addr pairs describing the seed membership map")
	hintsFlag := flag.String("hints", "", "comma-separated extra bootstrap peer addresses")
	mkfs := flag.Bool("mkfs", false, "initialize a brand-new single-member cluster instead of joining one")
	flag.Parse()

	if *name == "" || *fsid == "" {
		log.Fatal("monitord: -name and -fsid are required")
	}

	st := store.NewMemory()

	var seed *membership.Map
	if *mkfs {
		seed = monitor.Mkfs(*name, *fsid, *addr, st)
	} else {
		seed = parseSeed(*fsid, *seedFlag)
	}

	client := transport.NewClient()
	mon := monitor.NewMonitor(monitor.Config{
		Name:           *name,
		Fsid:           *fsid,
		Addr:           *addr,
		Seed:           seed,
		BootstrapHints: splitNonEmpty(*hintsFlag),
		Store:          st,
		Peers:          client,
	})

	server := transport.NewServer()
	peersModule := &transport.PeersModule{Mon: mon}
	othersModule := &transport.OthersModule{Mon: mon, Handler: func(inner []byte) []byte { return inner }}
	if err := server.Serve(*addr, peersModule, othersModule); err != nil {
		log.Fatalf("monitord: listen on %s: %v", *addr, err)
	}

	mon.Start()
	log.Printf("monitord: %s listening on %s, fsid=%s", *name, *addr, *fsid)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("monitord: %s shutting down", *name)
	mon.Shutdown()
	server.Shutdown()
}

// parseSeed turns "-seed name1=addr1,name2=addr2" into a rank-ordered
// membership.Map, the CLI equivalent of Monitor.cc reading an initial
// monmap off disk or from -mon-host at startup.
func parseSeed(fsid, s string) *membership.Map {
	m := &membership.Map{Fsid: fsid}
	for i, pair := range splitNonEmpty(s) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			log.Fatalf("monitord: invalid -seed entry %q, want name=addr", pair)
		}
		m.Members = append(m.Members, membership.Identity{Name: kv[0], Rank: i, Addr: kv[1]})
	}
	return m
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
