// recon reconstructs a 3D model from a directory of photographs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"recon/internal/apperrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(apperrors.ExitCode(err))
}
