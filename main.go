package main

import (
	"fmt"

	_ "github.com/fitlab/go-fitness/advice"
	_ "github.com/fitlab/go-fitness/cache"
	_ "github.com/fitlab/go-fitness/config"
	_ "github.com/fitlab/go-fitness/env"
	_ "github.com/fitlab/go-fitness/eventing"
	_ "github.com/fitlab/go-fitness/keys"
	_ "github.com/fitlab/go-fitness/leaderboard"
	_ "github.com/fitlab/go-fitness/library"
	_ "github.com/fitlab/go-fitness/logger"
	_ "github.com/fitlab/go-fitness/resilience"
	_ "github.com/fitlab/go-fitness/telemetry"
)

func main() {
	fmt.Println("go-fitness: run cmd/fitcache for the cache tool")
}
