package main

import (
	"os"

	"github.com/pieqf/seisfetch/cmd/seisfetch/cmd"
	"github.com/pieqf/seisfetch/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
