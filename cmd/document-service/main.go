package main

import (
	"os"

	"github.com/triteia/triteia/documentservice"
)

func main() {
	if err := documentservice.Run(); err != nil {
		os.Exit(1)
	}
}
