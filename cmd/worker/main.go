// Command worker is the phoebe.server worker subprocess entrypoint. It binds
// a reply socket on the port given as its one positional argument and serves
// commands against an in-memory bundle until killed.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sourcegraph/log"

	"github.com/aprsa/phoebe.server/internal/workerengine"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: worker <port>")
		os.Exit(2)
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}

	liblog := log.Init(log.Resource{Name: "phoebe-worker", Version: "dev"})
	defer liblog.Sync()

	srv := workerengine.NewServer()
	if err := srv.ListenAndServe(port); err != nil {
		log.Scoped("worker", "worker entrypoint").Fatal("server exited", log.Error(err))
	}
}
