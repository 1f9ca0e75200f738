package main

import "listing-tracker/cmd"

func main() {
	cmd.Execute()
}
