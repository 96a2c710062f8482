// Command carrier stores signed backend requests and delivers them with
// retries. See `carrier --help`.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/carrier/internal/cli"
)

func main() {
	os.Exit(run(context.Background()))
}

func run(ctx context.Context) int {
	cmd := cli.NewRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return cli.GetExitCode(err)
}
