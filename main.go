package main

import (
	"github.com/thomasp-ms/azure-ml-federated-learning/cmd"
)

func main() {
	cmd.Execute()
}
