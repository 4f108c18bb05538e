package main

import "github.com/qvcloud/replier/cmd"

func main() {
	cmd.Execute()
}
