package main

import (
	"github.com/ColonelBlimp/mixengine/cmd"
	"github.com/ColonelBlimp/mixengine/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
