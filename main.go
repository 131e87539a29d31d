// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/cdpdriver/cmd"
)

// main cancels the command context on SIGINT or SIGTERM so an interrupted
// run still shuts the browser down.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Main(ctx)
}
