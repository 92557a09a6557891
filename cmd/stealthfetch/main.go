package main

import "github.com/JakeFAU/stealth-fetcher/cmd"

func main() {
	cmd.Execute()
}
