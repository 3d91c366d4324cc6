// Command memhub-mcp serves the memhub key tools to an AI agent over
// stdio. It is the same server as 'memhub mcp', packaged on its own for
// agent configurations that expect a single binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/memhub/console/internal/cli"
)

var Version = "dev"

func main() {
	if err := cli.ServeMCP(context.Background(), Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
