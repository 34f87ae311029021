package main

import (
	"context"
	"os"

	"github.com/PipeOpsHQ/course-builder-go/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
