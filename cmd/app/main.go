// Package main is the query execution server's entrypoint, wiring
// internal/bootstrap's components and starting the HTTP gateway and
// scheduler via the common.Launcher (spec.md §4, §6).
package main

import (
	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/bootstrap"
)

func main() {
	common.InitLocalEnvConfig()

	service, err := bootstrap.InitServers()
	if err != nil {
		panic(err)
	}

	service.Run()
}
