package main

import "github.com/Manil-helal/Orion-website/cmd"

func main() {
	cmd.Execute()
}
