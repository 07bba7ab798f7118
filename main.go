package main

import "github.com/mesaya/payment-service/cmd"

func main() {
	cmd.Execute()
}
