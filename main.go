package main

import "github.com/andresmejia3/fieldfixer/cmd"

func main() {
	cmd.Execute()
}
