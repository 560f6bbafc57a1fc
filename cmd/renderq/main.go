package main

import "github.com/cartogrid/renderq/internal/cmd"

func main() {
	cmd.Execute()
}
